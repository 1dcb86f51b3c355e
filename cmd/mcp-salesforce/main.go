package main

// version is injected at build time via -ldflags
var version = "dev"

func main() {
	SetVersion(version)
	Execute()
}
