package store

import (
	"encoding/json"
	"fmt"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
)

// SchemaVersion is written into every blob this package saves.
//
// Version 0 is the original browser layout:
//
//	{"state":{"qrCodes":[...],"currentQR":{...}|null},"version":0}
//
// Version 1 flattens it and stores the current record by id:
//
//	{"version":1,"records":[...],"currentId":"..."|null}
const SchemaVersion = 1

// State is the whole persisted store: the record table and the current id.
type State struct {
	Records   []model.Record
	CurrentID string
}

type stateV1 struct {
	Version   int            `json:"version"`
	Records   []model.Record `json:"records"`
	CurrentID *string        `json:"currentId"`
}

type stateV0 struct {
	State struct {
		QRCodes   []model.Record `json:"qrCodes"`
		CurrentQR *model.Record  `json:"currentQR"`
	} `json:"state"`
	Version int `json:"version"`
}

type versionHeader struct {
	Version *int            `json:"version"`
	State   json.RawMessage `json:"state"`
	Records json.RawMessage `json:"records"`
}

// Encode serializes s using the current schema.
func Encode(s State) ([]byte, error) {
	out := stateV1{Version: SchemaVersion, Records: normalize(s.Records)}
	if s.CurrentID != "" {
		id := s.CurrentID
		out.CurrentID = &id
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode parses a blob written by any known schema version. A missing or
// non-positive version marker selects the version 0 layout; any version
// from 1 upwards is read with the version 1 layout.
func Decode(data []byte) (State, error) {
	var header versionHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return State{}, apperr.StorageUnavailable("corrupt state", err)
	}
	legacy := header.Version == nil || *header.Version <= 0
	if header.Version == nil && header.State == nil && header.Records != nil {
		legacy = false
	}
	if legacy {
		var v0 stateV0
		if err := json.Unmarshal(data, &v0); err != nil {
			return State{}, apperr.StorageUnavailable("corrupt state", err)
		}
		s := State{Records: normalize(v0.State.QRCodes)}
		if v0.State.CurrentQR != nil {
			s.CurrentID = v0.State.CurrentQR.ID
		}
		return s, nil
	}
	var v1 stateV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return State{}, apperr.StorageUnavailable("corrupt state", err)
	}
	s := State{Records: normalize(v1.Records)}
	if v1.CurrentID != nil {
		s.CurrentID = *v1.CurrentID
	}
	return s, nil
}

// normalize replaces nil slices so encoded blobs always carry [] rather than
// null.
func normalize(records []model.Record) []model.Record {
	if records == nil {
		return []model.Record{}
	}
	for i := range records {
		if records[i].Scans == nil {
			records[i].Scans = []model.Scan{}
		}
	}
	return records
}
