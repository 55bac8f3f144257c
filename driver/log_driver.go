// Package driver holds scheduler.Driver implementations. The cluster
// manager transport itself (a Mesos scheduler driver or equivalent) is out
// of scope for this module; LogDriver is a placeholder that logs every
// call, letting the rest of the stack be wired and exercised end to end
// without a live cluster.
package driver

import (
	"context"
	"log"

	"github.com/hgschmie/marathon/scheduler"
)

// LogDriver implements scheduler.Driver by logging every call and always
// succeeding.
type LogDriver struct{}

// NewLogDriver returns a LogDriver.
func NewLogDriver() *LogDriver { return &LogDriver{} }

// LaunchTasks implements scheduler.Driver.
func (d *LogDriver) LaunchTasks(ctx context.Context, offerID string, tasks []scheduler.TaskInfo) error {
	for _, t := range tasks {
		log.Printf("driver: launch %s (app %s) on offer %s host %s ports %v", t.TaskID, t.AppID, offerID, t.Host, t.Ports)
	}
	return nil
}

// DeclineOffer implements scheduler.Driver.
func (d *LogDriver) DeclineOffer(ctx context.Context, offerID string) error {
	log.Printf("driver: decline offer %s", offerID)
	return nil
}

// KillTask implements scheduler.Driver.
func (d *LogDriver) KillTask(ctx context.Context, taskID string) error {
	log.Printf("driver: kill %s", taskID)
	return nil
}

// ReconcileTasks implements scheduler.Driver.
func (d *LogDriver) ReconcileTasks(ctx context.Context, statuses []scheduler.TaskStatus) error {
	log.Printf("driver: reconcile %d task statuses", len(statuses))
	return nil
}

var _ scheduler.Driver = (*LogDriver)(nil)
