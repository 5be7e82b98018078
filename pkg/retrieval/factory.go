package retrieval

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

// New builds the configured backend wrapped with the result cache and the
// call timeout.
func New(cfg config.RetrievalConfig) (Retriever, error) {
	var backend Retriever
	switch cfg.Backend {
	case "", "static":
		path := config.ExpandHome(cfg.CorpusPath)
		var docs []Document
		if _, err := os.Stat(path); err == nil {
			loaded, err := LoadCorpus(path)
			if err != nil {
				return nil, err
			}
			docs = loaded
		} else {
			logger.WarnCF("retrieval", "Corpus not found, static retriever is empty", map[string]any{
				"path": path,
			})
		}
		backend = NewStaticRetriever(docs)
		logger.InfoCF("retrieval", "Static retriever ready", map[string]any{"documents": len(docs)})
	case "qdrant":
		q, err := NewQdrantRetriever(cfg.Qdrant, NewEmbedder(ChargramModel))
		if err != nil {
			return nil, err
		}
		backend = q
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", cfg.Backend)
	}

	if cfg.CacheSize > 0 && cfg.CacheTTLSeconds > 0 {
		backend = NewCached(backend, cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}
	return WithTimeout(backend, config.Millis(cfg.TimeoutMS)), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
