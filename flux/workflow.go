package flux

import "strconv"

// WorkflowFunc is the body of a workflow: a registered function that
// composes task invocations through the execution context. It is re-run
// from the top on every claim; the journal makes completed work resolve
// without re-execution, so the function must be deterministic apart from
// task bodies (use the flux built-ins for time, randomness, and sleeping).
type WorkflowFunc func(wc *Context) (any, error)

// ResourceRequirements declares what a workflow needs from a worker.
// Zero values mean "no requirement".
type ResourceRequirements struct {
	CPUCores    int      `json:"cpu_cores,omitempty"`
	MemoryBytes int64    `json:"memory,omitempty"`
	GPUs        int      `json:"gpu,omitempty"`
	Packages    []string `json:"packages,omitempty"`
}

// WorkerResources is what a worker reports at registration and may update
// on reconnect.
type WorkerResources struct {
	CPUCount       int      `json:"cpu_count"`
	MemoryBytes    int64    `json:"memory_bytes"`
	GPUDescriptors []string `json:"gpu_descriptors,omitempty"`
	Packages       []string `json:"package_set,omitempty"`
}

// Satisfies reports whether the worker's resources are a superset of the
// requirements and its package set covers the declared packages.
func (w WorkerResources) Satisfies(r ResourceRequirements) bool {
	if r.CPUCores > 0 && w.CPUCount < r.CPUCores {
		return false
	}
	if r.MemoryBytes > 0 && w.MemoryBytes < r.MemoryBytes {
		return false
	}
	if r.GPUs > 0 && len(w.GPUDescriptors) < r.GPUs {
		return false
	}
	if len(r.Packages) > 0 {
		have := make(map[string]bool, len(w.Packages))
		for _, p := range w.Packages {
			have[p] = true
		}
		for _, p := range r.Packages {
			if !have[p] {
				return false
			}
		}
	}
	return true
}

// WorkflowDef is a registered workflow: identity (name, version), the
// task-graph-producing function, and its declarations. Definitions are
// immutable after registration; re-registering a name appends a version.
type WorkflowDef struct {
	Name           string
	Version        int
	Fn             WorkflowFunc
	SecretRequests []string
	Resources      ResourceRequirements
	OutputStorage  string
}

// ID returns the workflow's version key.
func (d *WorkflowDef) ID() string {
	return workflowID(d.Name, d.Version)
}

func workflowID(name string, version int) string {
	if version <= 0 {
		version = 1
	}
	return name + ":v" + strconv.Itoa(version)
}
