package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"sheetbridge/api/internal/store"
)

const idxRows = "sheetbridge_rows"

// Meili indexes mirrored sheet rows, one document per row index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the rows index. The
// client starts unhealthy if the initial connection fails and recovers via
// the background health loop.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRows,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxRows, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

type rowDocument struct {
	ID       int               `json:"id"`
	RowData  map[string]string `json:"rowData"`
	SyncedAt time.Time         `json:"syncedAt"`
}

// ReplaceRows swaps the index contents for the current mirror. Rows dropped
// from the sheet must disappear from search too, so the index is cleared
// first.
func (m *Meili) ReplaceRows(rows []store.MirrorRow) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	index := m.client.Index(idxRows)

	if _, err := index.DeleteAllDocuments(nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("clear rows index: %w", err)
	}

	docs := make([]rowDocument, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, rowDocument{ID: row.RowIndex, RowData: row.RowData, SyncedAt: row.SyncedAt})
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(docs, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index rows: %w", err)
	}
	return nil
}

// Search queries the rows index and decodes hits back into mirror rows.
func (m *Meili) Search(query string, limit int) ([]store.MirrorRow, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.Index(idxRows).Search(query, &meili.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	rows := make([]store.MirrorRow, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var doc rowDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		rows = append(rows, store.MirrorRow{RowIndex: doc.ID, RowData: doc.RowData, SyncedAt: doc.SyncedAt})
	}
	return rows, nil
}
