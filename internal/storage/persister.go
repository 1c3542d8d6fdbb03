package storage

import (
	"sync"
	"time"

	"github.com/loadtest-orchestrator/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Persister saves the registry's terminal records through a Storage backend:
// asynchronously on every terminal transition and on a periodic ticker.
type Persister struct {
	store   *registry.Store
	backend Storage

	persistMu       sync.Mutex
	persistInterval time.Duration
	stopPersist     chan struct{}
	stopOnce        sync.Once
}

func NewPersister(store *registry.Store, backend Storage, persistIntervalSeconds int) *Persister {
	p := &Persister{
		store:           store,
		backend:         backend,
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}

	store.OnTerminal(func(*registry.Test) {
		go p.persist()
	})

	if persistIntervalSeconds > 0 {
		go p.periodicPersist()
	}

	return p
}

// LoadFromStorage restores archived terminal tests at startup.
func (p *Persister) LoadFromStorage() error {
	archive, err := p.backend.Load()
	if err != nil {
		return err
	}
	if archive == nil {
		log.Info("No archived tests in storage")
		return nil
	}

	for _, t := range archive.Tests {
		p.store.RestoreArchived(t)
	}
	log.Infof("Restored %d archived tests from storage", len(archive.Tests))
	return nil
}

func (p *Persister) persist() {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	archive := &Archive{
		Tests:   p.store.Archive(),
		Updated: time.Now(),
	}

	if err := p.backend.Save(archive); err != nil {
		log.Errorf("Failed to persist archive: %v", err)
	} else {
		log.Debugf("Archive persisted: %d tests", len(archive.Tests))
	}
}

func (p *Persister) periodicPersist() {
	ticker := time.NewTicker(p.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.persist()
		case <-p.stopPersist:
			return
		}
	}
}

// Close stops background persistence and writes a final archive.
func (p *Persister) Close() {
	p.stopOnce.Do(func() { close(p.stopPersist) })
	p.persist()
}
