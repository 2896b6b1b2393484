// Package cluster resolves cluster names to Kubernetes clients.
package cluster

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// DefaultName selects the kubeconfig's current context, or the in-cluster
// configuration when no kubeconfig is available.
const DefaultName = "default"

// ErrUnknownCluster is returned for a name with no matching context.
var ErrUnknownCluster = errors.New("unknown cluster")

// Cluster is one reachable Kubernetes API server.
type Cluster struct {
	Name      string
	Config    *rest.Config
	Clientset kubernetes.Interface
}

// Registry maps cluster names (kubeconfig context names) to clients.
// Clients are built on first use and cached.
type Registry struct {
	mu       sync.Mutex
	raw      *clientcmdapi.Config
	rules    *clientcmd.ClientConfigLoadingRules
	current  string
	clusters map[string]*Cluster
}

// Load reads kubeconfig from path, or from the default loading rules
// ($KUBECONFIG, ~/.kube/config) when path is empty. If no kubeconfig
// contexts are found it falls back to the in-cluster configuration, served
// under DefaultName.
func Load(path string) (*Registry, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path != "" {
		rules.ExplicitPath = path
	}

	raw, err := rules.Load()
	if err == nil && len(raw.Contexts) > 0 {
		log.Printf("cluster: loaded %d contexts (current %q)", len(raw.Contexts), raw.CurrentContext)
		return &Registry{
			raw:      raw,
			rules:    rules,
			current:  raw.CurrentContext,
			clusters: make(map[string]*Cluster),
		}, nil
	}
	if path != "" {
		if err == nil {
			err = fmt.Errorf("no contexts")
		}
		return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
	}

	cfg, icErr := rest.InClusterConfig()
	if icErr != nil {
		return nil, fmt.Errorf("no kubeconfig contexts and not running in a cluster: %w", icErr)
	}
	r := NewRegistry()
	if err := r.Add(DefaultName, cfg); err != nil {
		return nil, err
	}
	log.Printf("cluster: using in-cluster configuration")
	return r, nil
}

// NewRegistry creates an empty registry. Clusters are added with Add or
// AddClientset.
func NewRegistry() *Registry {
	return &Registry{clusters: make(map[string]*Cluster)}
}

// Add registers a cluster from a REST config.
func (r *Registry) Add(name string, cfg *rest.Config) error {
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("create clientset for %s: %w", name, err)
	}
	r.AddClientset(name, cfg, cs)
	return nil
}

// AddClientset registers a prebuilt clientset.
func (r *Registry) AddClientset(name string, cfg *rest.Config, cs kubernetes.Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters[name] = &Cluster{Name: name, Config: cfg, Clientset: cs}
}

// Resolve maps an empty name to DefaultName and DefaultName to the current
// context unless a context is literally named "default".
func (r *Registry) Resolve(name string) string {
	if name == "" {
		name = DefaultName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != DefaultName {
		return name
	}
	if _, ok := r.clusters[name]; ok {
		return name
	}
	if r.raw != nil {
		if _, ok := r.raw.Contexts[name]; ok {
			return name
		}
		if r.current != "" {
			return r.current
		}
	}
	return name
}

// Get returns the client for name, building it on first use.
func (r *Registry) Get(name string) (*Cluster, error) {
	resolved := r.Resolve(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clusters[resolved]; ok {
		return c, nil
	}
	if r.raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, resolved)
	}
	if _, ok := r.raw.Contexts[resolved]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, resolved)
	}

	cfg, err := clientcmd.NewNonInteractiveClientConfig(*r.raw, resolved, &clientcmd.ConfigOverrides{}, r.rules).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build config for %s: %w", resolved, err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset for %s: %w", resolved, err)
	}
	c := &Cluster{Name: resolved, Config: cfg, Clientset: cs}
	r.clusters[resolved] = c
	return c, nil
}

// Names lists the known cluster names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for name := range r.clusters {
		seen[name] = true
	}
	if r.raw != nil {
		for name := range r.raw.Contexts {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
