// Package temporalqueue is a Temporal-backed job queue adapter: one
// long-lived workflow per Task, woken by signal whenever the Finalizer wants
// a redelivery, continuing-as-new to bound history growth.
package temporalqueue

import "github.com/orbitflow/taskengine/internal/platform/envutil"

type Config struct {
	Address   string
	Namespace string
	TaskQueue string
}

func LoadConfig() Config {
	return Config{
		Address:   envutil.String("TEMPORAL_ADDRESS", ""),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", "taskengine"),
		TaskQueue: envutil.String("TEMPORAL_TASK_QUEUE", "taskengine"),
	}
}
