package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lox/pokerclock/internal/server"
)

// FetchTournament reads a tournament's name and schedule over HTTP.
func FetchTournament(ctx context.Context, httpClient *http.Client, serverURL, tournamentID string) (server.TournamentDetail, error) {
	var detail server.TournamentDetail

	u, err := url.Parse(serverURL)
	if err != nil {
		return detail, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/tournaments/" + url.PathEscape(tournamentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return detail, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return detail, fmt.Errorf("fetch tournament: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e server.ErrorData
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return detail, &CommandError{Code: e.Code, Message: fmt.Sprintf("%s (status %d)", e.Message, resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return detail, fmt.Errorf("decode tournament: %w", err)
	}
	return detail, nil
}
