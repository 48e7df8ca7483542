package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// CredentialFile is the on-disk credential document:
//
//	secrets:
//	  jina: jina_xxx
//	pools:
//	  tavily:
//	    keys: [tvly-a, tvly-b]
//	    current: tvly-a
type CredentialFile struct {
	path string
	mu   sync.Mutex
}

type credentialDoc struct {
	Secrets map[string]string   `yaml:"secrets,omitempty"`
	Pools   map[string]*poolDoc `yaml:"pools,omitempty"`
}

type poolDoc struct {
	Keys    []string `yaml:"keys"`
	Current string   `yaml:"current,omitempty"`
}

func OpenCredentialFile(path string) *CredentialFile {
	return &CredentialFile{path: path}
}

func (f *CredentialFile) Path() string {
	return f.path
}

func (f *CredentialFile) read() (*credentialDoc, error) {
	doc := &credentialDoc{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", f.path, err)
	}
	return doc, nil
}

func (f *CredentialFile) write(doc *credentialDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Secret resolves a static credential. A pool name resolves to the pool's
// current key, or its first key when no pointer is stored.
func (f *CredentialFile) Secret(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return "", err
	}
	if s, ok := doc.Secrets[name]; ok {
		return s, nil
	}
	if p, ok := doc.Pools[name]; ok && p != nil {
		if p.Current != "" {
			return p.Current, nil
		}
		if len(p.Keys) > 0 {
			return p.Keys[0], nil
		}
	}
	return "", nil
}

// SetSecret stores a static credential.
func (f *CredentialFile) SetSecret(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	if doc.Secrets == nil {
		doc.Secrets = make(map[string]string)
	}
	doc.Secrets[name] = value
	return f.write(doc)
}

// SetPool replaces a pool's keys and resets the pointer to the first key.
func (f *CredentialFile) SetPool(name string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	if doc.Pools == nil {
		doc.Pools = make(map[string]*poolDoc)
	}
	p := &poolDoc{Keys: append([]string(nil), keys...)}
	if len(keys) > 0 {
		p.Current = keys[0]
	}
	doc.Pools[name] = p
	return f.write(doc)
}

// Pool returns a view of one named pool suitable for a credential rotator.
func (f *CredentialFile) Pool(name string) *PoolFile {
	return &PoolFile{file: f, name: name}
}

// PoolFile persists one rotation pool inside a CredentialFile.
type PoolFile struct {
	file *CredentialFile
	name string
}

func (p *PoolFile) Name() string {
	return p.name
}

func (p *PoolFile) LoadPool(ctx context.Context) ([]string, string, error) {
	p.file.mu.Lock()
	defer p.file.mu.Unlock()

	doc, err := p.file.read()
	if err != nil {
		return nil, "", err
	}
	pool, ok := doc.Pools[p.name]
	if !ok || pool == nil {
		return nil, "", nil
	}
	return append([]string(nil), pool.Keys...), pool.Current, nil
}

func (p *PoolFile) SaveCurrent(ctx context.Context, current string) error {
	p.file.mu.Lock()
	defer p.file.mu.Unlock()

	doc, err := p.file.read()
	if err != nil {
		return err
	}
	if doc.Pools == nil {
		doc.Pools = make(map[string]*poolDoc)
	}
	pool, ok := doc.Pools[p.name]
	if !ok || pool == nil {
		return fmt.Errorf("credential pool %q not found", p.name)
	}
	pool.Current = current
	return p.file.write(doc)
}
