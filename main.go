package main

import "github.com/isometry/ad-sso-gateway/cmd"

func main() {
	cmd.Execute()
}
