package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/mzanin/voxbridge/internal/realtime"
)

const (
	toolGetDateTime = "GetDateTime"
	toolGetWeather  = "GetWeather"
)

// Config carries the external endpoints the gateway talks to. Zero values
// fall back to the public open-meteo endpoints; an empty MCPServerURL
// disables remote discovery entirely.
type Config struct {
	MCPServerURL string
	GeocodeURL   string
	ForecastURL  string
	HTTPTimeout  time.Duration
	Logger       *log.Logger
}

// Gateway resolves model function calls to textual results. Remote tools
// discovered from an MCP server win over the built-in set; execution never
// returns an error, only an error-description string the model can read.
type Gateway struct {
	mcp         *MCPClient
	httpClient  *http.Client
	geocodeURL  string
	forecastURL string
	log         *log.Logger

	mu     sync.RWMutex
	remote map[string]ToolDescriptor
}

func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	geocodeURL := cfg.GeocodeURL
	if geocodeURL == "" {
		geocodeURL = defaultGeocodeURL
	}
	forecastURL := cfg.ForecastURL
	if forecastURL == "" {
		forecastURL = defaultForecastURL
	}

	g := &Gateway{
		httpClient:  &http.Client{Timeout: timeout},
		geocodeURL:  geocodeURL,
		forecastURL: forecastURL,
		log:         logger,
		remote:      make(map[string]ToolDescriptor),
	}
	if cfg.MCPServerURL != "" {
		g.mcp = NewMCPClient(cfg.MCPServerURL, timeout)
	}
	return g
}

// DiscoverTools queries the MCP server and replaces the remote registry
// wholesale. Failure is logged and leaves the previous registry in place;
// built-in tools keep working either way.
func (g *Gateway) DiscoverTools(ctx context.Context) {
	if g.mcp == nil {
		return
	}
	if err := g.mcp.Initialize(ctx); err != nil {
		g.log.Printf("tools: mcp initialize failed: %v", err)
		return
	}
	listing, err := g.mcp.ListTools(ctx)
	if err != nil {
		g.log.Printf("tools: mcp discovery failed: %v", err)
		return
	}

	next := make(map[string]ToolDescriptor, len(listing))
	for _, desc := range listing {
		next[desc.Name] = desc
	}
	g.mu.Lock()
	g.remote = next
	g.mu.Unlock()
	g.log.Printf("tools: discovered %d remote tools", len(next))
}

// Definitions returns the full tool list for the session configuration:
// remote descriptors plus the built-in pair.
func (g *Gateway) Definitions() []realtime.ToolDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()

	defs := make([]realtime.ToolDefinition, 0, len(g.remote)+2)
	for _, desc := range g.remote {
		params := any(json.RawMessage(`{"type":"object"}`))
		if len(desc.InputSchema) > 0 {
			params = desc.InputSchema
		}
		defs = append(defs, realtime.ToolDefinition{
			Type:        "function",
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  params,
		})
	}
	defs = append(defs,
		realtime.ToolDefinition{
			Type:        "function",
			Name:        toolGetDateTime,
			Description: "Returns the current date and time, optionally in a given IANA timezone.",
			Parameters:  builtinSchema(&dateTimeArgs{}),
		},
		realtime.ToolDefinition{
			Type:        "function",
			Name:        toolGetWeather,
			Description: "Returns the current weather for a named city or place.",
			Parameters:  builtinSchema(&weatherArgs{}),
		},
	)
	return defs
}

// Execute resolves a function call to a textual result. Remote registry
// first, then built-ins, then a "not found" message. Never returns an error;
// failures become readable text the model can relay.
func (g *Gateway) Execute(ctx context.Context, name, argsJSON string) string {
	g.mu.RLock()
	_, isRemote := g.remote[name]
	g.mu.RUnlock()

	if isRemote {
		result, err := g.mcp.CallTool(ctx, name, json.RawMessage(argsJSON))
		if err == nil {
			return result
		}
		g.log.Printf("tools: remote call %s failed, trying built-ins: %v", name, err)
	}

	switch name {
	case toolGetDateTime:
		return g.getDateTime(argsJSON)
	case toolGetWeather:
		return g.getWeather(ctx, argsJSON)
	}
	return fmt.Sprintf("Tool %q not found.", name)
}
