package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"mcphost/internal/domain"
)

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type sessionView struct {
	Name        string    `json:"name"`
	Transport   string    `json:"transport"`
	State       string    `json:"state"`
	Tools       int       `json:"tools"`
	Stale       bool      `json:"catalogStale,omitempty"`
	Pending     int       `json:"pending,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
}

func newSessionView(snap domain.SessionSnapshot) sessionView {
	view := sessionView{
		Name:        snap.Name,
		Transport:   string(snap.Kind),
		State:       string(snap.State),
		Tools:       len(snap.Catalog.Tools),
		Stale:       snap.Catalog.Stale,
		Pending:     len(snap.Pending),
		ConnectedAt: snap.ConnectedAt,
	}
	if snap.LastError != nil {
		view.LastError = snap.LastError.Error()
	}
	return view
}

func printRegistryStatus(status domain.RegistrySnapshot, jsonOutput bool) error {
	views := make([]sessionView, 0, len(status.Sessions))
	for _, snap := range status.Sessions {
		views = append(views, newSessionView(snap))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	if jsonOutput {
		return writeJSON(views)
	}
	for _, view := range views {
		line := fmt.Sprintf("%-20s %-6s %-12s tools=%d", view.Name, view.Transport, view.State, view.Tools)
		if view.Stale {
			line += " (stale)"
		}
		if view.LastError != "" {
			line += "  error: " + view.LastError
		}
		fmt.Println(line)
	}
	return nil
}

type toolView struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func printTools(server string, catalog domain.ToolCatalog, jsonOutput bool) error {
	if jsonOutput {
		views := make([]toolView, 0, len(catalog.Tools))
		for _, tool := range catalog.Tools {
			views = append(views, toolView{
				Server:      server,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
		return writeJSON(views)
	}
	for _, tool := range catalog.Tools {
		if tool.Description != "" {
			fmt.Printf("%s/%s: %s\n", server, tool.Name, tool.Description)
			continue
		}
		fmt.Printf("%s/%s\n", server, tool.Name)
	}
	return nil
}

type invocationView struct {
	ID       int64           `json:"id"`
	Tool     string          `json:"tool"`
	State    string          `json:"state"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration string          `json:"duration,omitempty"`
}

func printInvocation(inv domain.Invocation, jsonOutput bool) error {
	view := invocationView{
		ID:    inv.ID,
		Tool:  inv.Tool,
		State: string(inv.State),
	}
	if len(inv.Result) > 0 {
		view.Result = inv.Result
	}
	if inv.Err != nil {
		view.Error = inv.Err.Error()
	}
	if !inv.ResolvedAt.IsZero() {
		view.Duration = inv.ResolvedAt.Sub(inv.StartedAt).Round(time.Millisecond).String()
	}

	if jsonOutput {
		return writeJSON(view)
	}
	switch inv.State {
	case domain.InvocationSucceeded:
		fmt.Println(string(inv.Result))
	default:
		fmt.Printf("%s (%s)", inv.Tool, inv.State)
		if view.Error != "" {
			fmt.Printf(": %s", view.Error)
		}
		fmt.Println()
	}
	return nil
}

func printLogEntry(entry domain.LogEntry) {
	fmt.Printf("%s %-8s %-12s [%s] %s\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Source,
		entry.Stream,
		entry.Message,
	)
}
