package graph

import (
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// RecordedStatuses reads record/status of every node of g. Nodes without a
// recorded status are absent from the result.
func RecordedStatuses(m *schema.Schema, g *flow.Graph) map[flow.NodeID]Status {
	out := make(map[flow.NodeID]Status)
	for _, id := range g.Nodes() {
		v, err := m.Get(schema.Key("record", "status"), schema.NodeAt(id.Step, id.Index))
		if err != nil {
			continue
		}
		s, _ := v.(string)
		if st, ok := ParseStatus(s); ok {
			out[id] = st
		}
	}
	return out
}

// ResumePlan returns the nodes a rerun of req must execute given the
// statuses recorded in a prior manifest. Only recorded successes are left
// out; anything else, including a missing record, runs again.
func ResumePlan(m *schema.Schema, g *flow.Graph, req flow.Request) ([]flow.NodeID, error) {
	recorded := RecordedStatuses(m, g)
	return g.NodesToExecute(req, func(id flow.NodeID) bool {
		return recorded[id].IsSuccess()
	})
}

// carryRecords copies the record and metric values of node id from a
// prior manifest.
func carryRecords(dst, src *schema.Schema, id flow.NodeID) {
	at := schema.NodeAt(id.Step, id.Index)
	for _, prefix := range []string{"record", "metric"} {
		for _, rel := range src.AllKeys(prefix) {
			kp := schema.Key(prefix).Join(rel...)
			if empty, err := src.IsEmpty(kp, at); err != nil || empty {
				continue
			}
			v, err := src.Get(kp, at)
			if err != nil {
				continue
			}
			_ = dst.Set(kp, v, at)
		}
	}
}
