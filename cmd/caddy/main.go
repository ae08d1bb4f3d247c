package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"
	_ "github.com/kubishi/caddy-sandbox-proxy"
)

func main() {
	caddycmd.Main()
}
