// Package kube builds clients for the kubernetes cluster hosting jobs and
// inference services.
package kube

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"ml-pipelines/internal/config"
)

// RestConfig resolves the cluster connection: in-cluster, an explicit
// kubeconfig, or ~/.kube/config.
func RestConfig(cfg config.KubernetesConfig) (*rest.Config, error) {
	var restCfg *rest.Config
	var err error

	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else if cfg.KubeConfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfigPath)
	} else {
		home, _ := os.UserHomeDir()
		kubeconfig := filepath.Join(home, ".kube", "config")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("build k8s config: %w", err)
	}
	return restCfg, nil
}

// Clients holds the typed and dynamic clients built from one rest config.
type Clients struct {
	Typed     kubernetes.Interface
	Dynamic   dynamic.Interface
	Namespace string
}

func NewClients(cfg config.KubernetesConfig) (*Clients, error) {
	restCfg, err := RestConfig(cfg)
	if err != nil {
		return nil, err
	}

	typed, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}

	ns := cfg.DefaultNS
	if ns == "" {
		ns = "ml-pipelines"
	}
	return &Clients{Typed: typed, Dynamic: dyn, Namespace: ns}, nil
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// DNSName turns parts into a DNS-1123 label of at most 63 characters.
func DNSName(parts ...string) string {
	name := strings.ToLower(strings.Join(parts, "-"))
	name = strings.ReplaceAll(name, "_", "-")
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// LabelValue sanitizes v into a valid label value.
func LabelValue(v string) string {
	v = invalidLabelChars.ReplaceAllString(v, "-")
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}
