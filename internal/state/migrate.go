package state

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/model"
	"github.com/sells-group/listing-evidence/internal/resilience"
)

// SchemaVersion is the current state file version.
//
//	v1: {"version":1,"targets":{id:{"state","updated","claimed","sources"}}}, unix seconds
//	v2: {"schema_version":2,...} RFC 3339 timestamps, retry_counts
//	v3: adds source_ids and the per-step attempt log
const SchemaVersion = 3

type fileDoc struct {
	SchemaVersion int                               `json:"schema_version"`
	Targets       map[string]*model.ExtractionState `json:"targets"`
}

type v1Record struct {
	State   string            `json:"state"`
	Address string            `json:"address"`
	Updated int64             `json:"updated"`
	Claimed int64             `json:"claimed"`
	RunID   string            `json:"run_id"`
	Sources map[string]string `json:"sources"`
}

type v1Doc struct {
	Version int                  `json:"version"`
	Targets map[string]*v1Record `json:"targets"`
}

// legacy status names used by v1 files.
var v1Status = map[string]model.Status{
	"pending":     model.StatusPending,
	"queued":      model.StatusPending,
	"running":     model.StatusInProgress,
	"in_progress": model.StatusInProgress,
	"done":        model.StatusCompleted,
	"completed":   model.StatusCompleted,
	"error":       model.StatusFailed,
	"failed":      model.StatusFailed,
}

func corrupt(err error, msg string) error {
	return resilience.Fatal(eris.Wrap(err, "state: "+msg))
}

// decode parses a state document of any supported version and migrates it
// to the current schema. It reports the version found on disk.
func decode(data []byte) (*fileDoc, int, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
		Version       int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, 0, corrupt(err, "corrupt state file")
	}

	found := probe.SchemaVersion
	if found == 0 {
		found = max(probe.Version, 1)
	}

	var doc *fileDoc
	switch {
	case found > SchemaVersion:
		return nil, found, resilience.Fatal(eris.Errorf("state: schema version %d is newer than supported %d", found, SchemaVersion))
	case found == 1:
		var v1 v1Doc
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, found, corrupt(err, "corrupt v1 state file")
		}
		doc = migrateV1(&v1)
		doc = migrateV2(doc)
	default:
		doc = &fileDoc{}
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, found, corrupt(err, "corrupt state file")
		}
		if found == 2 {
			doc = migrateV2(doc)
		}
	}

	if doc.Targets == nil {
		doc.Targets = make(map[string]*model.ExtractionState)
	}
	for id, st := range doc.Targets {
		if st == nil {
			delete(doc.Targets, id)
			continue
		}
		if !st.Status.Valid() {
			return nil, found, resilience.Fatal(eris.Errorf("state: target %s has unknown status %q", id, st.Status))
		}
		st.TargetID = id
		if st.SourceSubStatus == nil {
			st.SourceSubStatus = map[string]string{}
		}
		if st.RetryCounts == nil {
			st.RetryCounts = map[string]int{}
		}
	}
	doc.SchemaVersion = SchemaVersion
	return doc, found, nil
}

// migrateV1 converts unix-second records with legacy status names to v2.
func migrateV1(v1 *v1Doc) *fileDoc {
	doc := &fileDoc{SchemaVersion: 2, Targets: make(map[string]*model.ExtractionState, len(v1.Targets))}
	for id, r := range v1.Targets {
		if r == nil {
			continue
		}
		status, ok := v1Status[r.State]
		if !ok {
			status = model.Status(r.State)
		}
		st := &model.ExtractionState{
			Address:         r.Address,
			Status:          status,
			LastUpdated:     time.Unix(r.Updated, 0).UTC(),
			RunID:           r.RunID,
			SourceSubStatus: r.Sources,
			RetryCounts:     map[string]int{},
		}
		if r.Claimed > 0 {
			t := time.Unix(r.Claimed, 0).UTC()
			st.ClaimedAt = &t
		}
		doc.Targets[id] = st
	}
	return doc
}

// migrateV2 fills the v3 collections. v2 records already decode into the
// v3 shape; only empty collections need initializing.
func migrateV2(doc *fileDoc) *fileDoc {
	for _, st := range doc.Targets {
		if st == nil {
			continue
		}
		if st.SourceSubStatus == nil {
			st.SourceSubStatus = map[string]string{}
		}
		if st.RetryCounts == nil {
			st.RetryCounts = map[string]int{}
		}
		if st.SourceIDs == nil {
			st.SourceIDs = map[string]string{}
		}
	}
	doc.SchemaVersion = SchemaVersion
	return doc
}
