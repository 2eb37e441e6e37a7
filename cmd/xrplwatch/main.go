package main

import (
	"context"

	"xrplwatch/internal/cli"
)

func main() {
	cli.Execute(context.Background())
}
