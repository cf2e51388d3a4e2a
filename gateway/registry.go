/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"fmt"
	"sync"

	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/model"
	"github.com/pkg/errors"
)

// Registry routes generation kinds to the provider that serves them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	kinds     map[model.Kind]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		kinds:     make(map[model.Kind]Provider),
	}
}

// Register adds p and makes it the provider for each of kinds.
func (r *Registry) Register(p Provider, kinds ...model.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.Name()] = p
	for _, k := range kinds {
		r.kinds[k] = p
	}
}

// ForKind returns the provider serving kind.
func (r *Registry) ForKind(kind model.Kind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.kinds[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "no provider configured for kind %s", kind)
	}
	return p, nil
}

// ByName returns the provider registered under name.
func (r *Registry) ByName(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "provider %s is not registered", name)
	}
	return p, nil
}

// NewRegistryFromConfig builds providers from their configuration blocks.
func NewRegistryFromConfig(providers []config.ProviderConfig) (*Registry, error) {
	registry := NewRegistry()
	for _, pc := range providers {
		kinds := make([]model.Kind, 0, len(pc.Kinds))
		for _, k := range pc.Kinds {
			kind, err := model.ParseKind(k)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			kinds = append(kinds, kind)
		}

		var p Provider
		switch pc.Type {
		case "kie":
			p = NewKieProvider(pc)
		case "mock":
			mock := NewMockProvider(pc.Name)
			mock.AutoComplete = pc.AutoComplete
			p = mock
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", pc.Name, pc.Type)
		}
		registry.Register(p, kinds...)
	}
	return registry, nil
}
