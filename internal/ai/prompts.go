package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultTone is used when a draft request names no tone or an unknown one.
const DefaultTone = "friendly"

// TonePreset holds the prompt fragments for one reply tone.
type TonePreset struct {
	System string `yaml:"system"`
	Style  string `yaml:"style"`
}

type promptsFile struct {
	Tones map[string]TonePreset `yaml:"tones"`
}

var defaultTones = map[string]TonePreset{
	"friendly": {
		System: "You are the channel owner replying to a viewer's comment on your own YouTube video. Write warm, genuine replies that sound like a real person, not a brand.",
		Style:  "Keep it short (1-3 sentences), thank the viewer when it fits, and never use hashtags or emoji spam.",
	},
	"professional": {
		System: "You are the channel owner replying to a viewer's comment on your own YouTube video. Write polished, courteous replies suitable for a professional audience.",
		Style:  "Stay concise and factual, address the commenter's point directly, and avoid slang.",
	},
	"playful": {
		System: "You are the channel owner replying to a viewer's comment on your own YouTube video. Write upbeat, lightly humorous replies that match a casual creator voice.",
		Style:  "One or two sentences, a joke or wink where it lands naturally, at most one emoji.",
	},
}

// Prompts serves tone presets for reply drafting. When built from a file it
// can hot-reload on change; the embedded defaults always back missing tones.
type Prompts struct {
	logger *slog.Logger
	path   string

	mu    sync.RWMutex
	tones map[string]TonePreset
}

// LoadPrompts builds the preset table. With an empty path only the embedded
// defaults are served. A configured path that does not exist yet is fine; the
// watcher picks the file up when it appears.
func LoadPrompts(path string, logger *slog.Logger) (*Prompts, error) {
	p := &Prompts{
		logger: logger.With("component", "prompts"),
		path:   path,
		tones:  make(map[string]TonePreset, len(defaultTones)),
	}
	for name, preset := range defaultTones {
		p.tones[name] = preset
	}

	if path == "" {
		return p, nil
	}
	if err := p.reload(); err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("prompts file absent, using embedded defaults", "path", path)
			return p, nil
		}
		return nil, err
	}
	return p, nil
}

// Tone returns the preset for name, falling back to the friendly default.
func (p *Prompts) Tone(name string) TonePreset {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if preset, ok := p.tones[name]; ok {
		return preset
	}
	return p.tones[DefaultTone]
}

// Known reports whether name is a configured tone.
func (p *Prompts) Known(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tones[name]
	return ok
}

// Names lists the configured tones, sorted.
func (p *Prompts) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.tones))
	for name := range p.tones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reload merges the file's tones over the defaults. Tones removed from the
// file revert to their default rather than disappearing.
func (p *Prompts) reload() error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var pf promptsFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse %s: %w", p.path, err)
	}

	tones := make(map[string]TonePreset, len(defaultTones)+len(pf.Tones))
	for name, preset := range defaultTones {
		tones[name] = preset
	}
	for name, preset := range pf.Tones {
		tones[name] = preset
	}

	p.mu.Lock()
	p.tones = tones
	p.mu.Unlock()
	return nil
}

// Watch reloads the preset file whenever it changes, until ctx is done. The
// parent directory is watched so editor rename-on-save still triggers.
func (p *Prompts) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn("prompts reload failed", "path", p.path, "error", err)
				continue
			}
			p.logger.Info("prompts reloaded", "path", p.path, "tones", len(p.Names()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("prompts watcher error", "error", err)
		}
	}
}
