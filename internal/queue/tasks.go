// Package queue carries the platform's asynchronous work over asynq: tenant
// provisioning, tenant teardown and staged-object processing. Delivery is
// at-least-once; every handler is safe to run more than once for the same
// payload.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/neurodeploy/platform/internal/db/models"
)

// Task types
const (
	TypeProvision   = "tenant:provision"
	TypeTeardown    = "tenant:teardown"
	TypeModelStaged = "model:staged"
)

// ProvisionPayload asks for a tenant subdomain in one region
type ProvisionPayload struct {
	Username   string `json:"username"`
	DomainName string `json:"domain_name"`
	RegionName string `json:"region_name"`
}

// TeardownPayload asks for a tenant's resources in one region to be removed.
// Resources is a snapshot taken when the teardown was requested.
type TeardownPayload struct {
	Username   string                       `json:"username"`
	RegionName string                       `json:"region_name"`
	Resources  models.ProvisioningResources `json:"resources"`
}

// StagedObjectPayload reports an object uploaded to the staging store
type StagedObjectPayload struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ProvisionTaskID is the deterministic id that keeps one provisioning task
// per tenant and region in the queue
func ProvisionTaskID(username, region string) string {
	return fmt.Sprintf("provision:%s:%s", username, region)
}

// TeardownTaskID is the deterministic id of a tenant's teardown task
func TeardownTaskID(username, region string) string {
	return fmt.Sprintf("teardown:%s:%s", username, region)
}

// StagedTaskID dedupes repeated notifications for the same object
func StagedTaskID(bucket, key string) string {
	return fmt.Sprintf("staged:%s/%s", bucket, key)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, data), nil
}

// decode unmarshals a task payload. A malformed payload can never succeed,
// so it is marked to skip retries.
func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
