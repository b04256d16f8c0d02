package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlchats/accounts-bridge/internal/mcp"
)

var version = "dev"

const defaultBridgeURL = "http://127.0.0.1:3002"

func main() {
	// stdout carries the MCP stream
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	bridgeURL := os.Getenv("BRIDGE_API_URL")
	if bridgeURL == "" {
		bridgeURL = defaultBridgeURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(mcp.NewClient(bridgeURL), version)
	if err := server.Run(ctx, &sdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("MCP server error")
	}
}
