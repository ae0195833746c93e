package main

import "go.pilab.hu/ssoengine/cmd/ssoctl/cmd"

func main() {
	cmd.Execute()
}
