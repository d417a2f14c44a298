package main

import "shipping-service/internal/cli"

func main() {
	cli.Execute()
}
