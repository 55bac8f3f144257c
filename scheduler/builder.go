package scheduler

// TaskBuilder is a pure function from (application definition, resource
// offer) to an optional launch specification. Implementations must not
// mutate the offer or any tracker state; they only decide whether the offer
// can satisfy app's resource, constraint, and port requirements.
type TaskBuilder interface {
	// BuildIfMatches returns a TaskInfo and true if offer can launch one
	// instance of app, or a zero TaskInfo and false otherwise.
	BuildIfMatches(app *AppDefinition, offer Offer) (TaskInfo, bool)
}

// DefaultTaskBuilder performs first-fit resource, constraint and port
// matching. Grounded on the cpus/mem/disk/port-range offer accounting in
// the etcd-mesos scheduler's OfferResources helper, adapted from mesos
// protobuf types to the plain Offer/AppDefinition structs used here.
type DefaultTaskBuilder struct {
	idSource func(appID string) string
}

// NewDefaultTaskBuilder returns a TaskBuilder that generates task ids via
// idSource (normally TaskTracker.NewTaskID).
func NewDefaultTaskBuilder(idSource func(appID string) string) *DefaultTaskBuilder {
	return &DefaultTaskBuilder{idSource: idSource}
}

// BuildIfMatches implements TaskBuilder.
func (b *DefaultTaskBuilder) BuildIfMatches(app *AppDefinition, offer Offer) (TaskInfo, bool) {
	if app.CPUs > offer.CPUs || app.MemMB > offer.MemMB || app.DiskMB > offer.DiskMB {
		return TaskInfo{}, false
	}

	if !satisfiesConstraints(app.Constraints, offer) {
		return TaskInfo{}, false
	}

	ports, ok := allocatePorts(offer.PortRanges, app.PortCount)
	if !ok {
		return TaskInfo{}, false
	}

	var taskID string
	if b.idSource != nil {
		taskID = b.idSource(app.ID)
	} else {
		taskID = newTaskID(app.ID)
	}

	return TaskInfo{
		TaskID:  taskID,
		AppID:   app.ID,
		Host:    offer.Host,
		SlaveID: offer.SlaveID,
		CPUs:    app.CPUs,
		MemMB:   app.MemMB,
		DiskMB:  app.DiskMB,
		Ports:   ports,
	}, true
}

// satisfiesConstraints evaluates Constraint.Operator against the offer's
// attributes. Only the operators real Marathon constraint matching uses for
// scheduling (not regex/grouping) are implemented; unknown operators fail
// closed so a malformed constraint never silently matches.
func satisfiesConstraints(constraints []Constraint, offer Offer) bool {
	for _, c := range constraints {
		val, present := offer.Attributes[c.Field]
		switch c.Operator {
		case "UNIQUE":
			// A single offer always satisfies UNIQUE; uniqueness across
			// offers or hosts is not checked here or by the Engine.
			continue
		case "CLUSTER":
			if !present || val != c.Value {
				return false
			}
		case "LIKE":
			if !present || val != c.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// allocatePorts greedily takes the first n ports available across offer's
// port ranges, in range order.
func allocatePorts(ranges []PortRange, n int) ([]int, bool) {
	if n == 0 {
		return nil, true
	}
	var ports []int
	for _, r := range ranges {
		for p := r.Begin; p <= r.End && len(ports) < n; p++ {
			ports = append(ports, p)
		}
		if len(ports) >= n {
			break
		}
	}
	if len(ports) < n {
		return nil, false
	}
	return ports, true
}
