package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/javanhut/Ivaldi-graph/internal/branch"
	"github.com/javanhut/Ivaldi-graph/internal/config"
	"github.com/javanhut/Ivaldi-graph/internal/ident"
	"github.com/javanhut/Ivaldi-graph/internal/repo"
	"github.com/javanhut/Ivaldi-graph/internal/revision"
	"github.com/javanhut/Ivaldi-graph/internal/store"
	"github.com/javanhut/Ivaldi-graph/internal/view"
)

const (
	repoDir = ".ivaldigraph"
	// areaFile remembers the durable lock area between invocations.
	areaFile = "area"
)

// session is one repository plus one view, for the lifetime of a command.
type session struct {
	db   *store.SharedDB
	repo *repo.Local
	view *view.View
	log  *logrus.Entry
}

func openSession(ctx context.Context, point branch.Point) (*session, error) {
	if _, err := os.Stat(repoDir); err != nil {
		return nil, fmt.Errorf("not an Ivaldi Graph repository (run: ivg init)")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := logrus.WithField("component", "cli")

	db, err := store.GetSharedDB(repoDir)
	if err != nil {
		return nil, err
	}
	r, err := repo.OpenLocal(db.DB, repo.WithLogger(log))
	if err != nil {
		db.Close()
		return nil, err
	}
	revs, err := revision.NewCache(cfg.Cache.Revisions)
	if err != nil {
		r.Close()
		db.Close()
		return nil, err
	}

	mode := view.Transactional
	if !point.IsLatest() {
		mode = view.ReadOnly
	}
	v, err := view.Open(ctx, r, view.Options{
		Point:            point,
		Mode:             mode,
		DurableAreaID:    readArea(),
		Classes:          r.Classes(),
		Cache:            cachePolicy(cfg.View),
		Revisions:        revs,
		Log:              log,
		Author:           config.GetAuthor(cfg),
		QueueSize:        cfg.View.QueueSize,
		LockTimeout:      cfg.View.Timeout(),
		PrefetchChunk:    cfg.View.PrefetchChunk,
		AutoReleaseLocks: cfg.View.AutoReleaseLocks,
	})
	if err != nil {
		r.Close()
		db.Close()
		return nil, fmt.Errorf("open view at %s: %w", point, err)
	}
	return &session{db: db, repo: r, view: v, log: log}, nil
}

func (s *session) Close(ctx context.Context) {
	if err := s.view.Close(ctx); err != nil {
		s.log.WithError(err).Warn("close view")
	}
	s.repo.Close()
	if err := s.db.Close(); err != nil {
		s.log.WithError(err).Warn("close database")
	}
}

func cachePolicy(c config.ViewConfig) view.CachePolicy {
	switch c.CachePolicy {
	case "time":
		return view.TimeBased{TTL: c.TTL()}
	case "refcount":
		return view.RefCounted{}
	}
	return view.Strong{}
}

func readArea() string {
	data, err := os.ReadFile(filepath.Join(repoDir, areaFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeArea(area string) error {
	path := filepath.Join(repoDir, areaFile)
	if area == "" {
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.WriteFile(path, []byte(area+"\n"), 0644)
}

// parseIDs reads object ids given on the command line.
func parseIDs(args []string) ([]ident.ID, error) {
	ids := make([]ident.ID, 0, len(args))
	for _, a := range args {
		id, err := ident.Parse(a)
		if err != nil {
			return nil, err
		}
		if !id.IsPersistent() {
			return nil, fmt.Errorf("%s is not a committed object id", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseAssignments reads "feature=value" arguments.
func parseAssignments(args []string) ([]string, []revision.Value, error) {
	features := make([]string, 0, len(args))
	values := make([]revision.Value, 0, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("invalid assignment %q (expected feature=value)", a)
		}
		val, err := revision.ParseValue(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		features = append(features, name)
		values = append(values, val)
	}
	return features, values, nil
}

func pointFlag(s string) (branch.Point, error) {
	if s == "" {
		return branch.Latest(branch.Main), nil
	}
	return branch.ParsePoint(s)
}
