package streams

import (
	"log/slog"

	"github.com/kalambet/claritap/internal/tap"
)

// NewGraph registers calls with call_details as its child.
func NewGraph(client Getter, pageSize int, logger *slog.Logger) (*tap.Graph, error) {
	g := tap.NewGraph()
	if err := g.Add(NewCalls(client, pageSize, logger), ""); err != nil {
		return nil, err
	}
	if err := g.Add(NewCallDetails(client, logger), CallsStream); err != nil {
		return nil, err
	}
	return g, nil
}
