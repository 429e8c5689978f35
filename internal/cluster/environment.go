package cluster

import "os"

// detectRuntimeMode resolves the runtime the manager should drive. An
// explicit configured mode always wins, then the ORCHESTRATOR_CLUSTER_MODE
// variable, then environment sniffing, and finally plain child processes.
func detectRuntimeMode(configured string) runtimeMode {
	if mode, ok := normalizeMode(configured); ok {
		return mode
	}
	if mode, ok := normalizeMode(os.Getenv("ORCHESTRATOR_CLUSTER_MODE")); ok {
		return mode
	}
	if isKubernetesEnvironment() {
		return runtimeKubernetes
	}
	if isDockerEnvironment() {
		return runtimeDocker
	}
	return runtimeLocal
}

func normalizeMode(raw string) (runtimeMode, bool) {
	switch raw {
	case "process", "local":
		return runtimeLocal, true
	case "docker":
		return runtimeDocker, true
	case "kubernetes", "k8s":
		return runtimeKubernetes, true
	default:
		return runtimeLocal, false
	}
}

func isKubernetesEnvironment() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != "" || os.Getenv("KUBERNETES_PORT") != ""
}

func isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
