package mongodb

const (
	GrantsCollection  = "persisted_grants"
	ClientsCollection = "oauth_clients"
)
