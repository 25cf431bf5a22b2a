package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/tiger/conversational-ivr/api/callflow"
)

type sessionRow struct {
	CallID     string `gorm:"column:call_id;primaryKey"`
	Status     string `gorm:"column:status;index"`
	CreatedAt  string `gorm:"column:created_at;index"`
	LastUpdate string `gorm:"column:last_update"`
	DataJSON   string `gorm:"column:data_json;type:text"`
}

func (sessionRow) TableName() string { return "sessions" }

type transcriptRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CallID    string    `gorm:"column:call_id;index"`
	Timestamp string    `gorm:"column:timestamp;index"`
	Text      string    `gorm:"column:text;type:text"`
	Source    string    `gorm:"column:source"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (transcriptRow) TableName() string { return "transcripts" }

type flowRow struct {
	FlowID      string `gorm:"column:flow_id;primaryKey"`
	Name        string `gorm:"column:name"`
	Description string `gorm:"column:description;type:text"`
	NodesJSON   string `gorm:"column:nodes_json;type:text"`
	UpdatedAt   string `gorm:"column:updated_at;index"`
}

func (flowRow) TableName() string { return "flows" }

// toSessionRow stores the session without its transcript view, which is
// derived from the transcripts table on read.
func toSessionRow(session callflow.Session) (sessionRow, error) {
	data := session.Clone()
	data.Transcripts = nil
	raw, err := json.Marshal(data)
	if err != nil {
		return sessionRow{}, err
	}
	return sessionRow{
		CallID:     session.CallID,
		Status:     string(session.Status),
		CreatedAt:  session.CreatedAt,
		LastUpdate: session.LastUpdate,
		DataJSON:   string(raw),
	}, nil
}

func fromSessionRow(row sessionRow, transcripts []callflow.TranscriptEntry) (callflow.Session, error) {
	var session callflow.Session
	if err := json.Unmarshal([]byte(row.DataJSON), &session); err != nil {
		return callflow.Session{}, err
	}
	session.CallID = row.CallID
	session.Status = callflow.Status(row.Status)
	session.CreatedAt = row.CreatedAt
	session.LastUpdate = row.LastUpdate
	session.Transcripts = append([]callflow.TranscriptEntry{}, transcripts...)
	return session, nil
}

func toTranscriptRow(entry callflow.TranscriptEntry) transcriptRow {
	return transcriptRow{
		ID:        entry.ID,
		CallID:    entry.CallID,
		Timestamp: entry.Timestamp,
		Text:      entry.Text,
		Source:    string(entry.Source),
	}
}

func fromTranscriptRow(row transcriptRow) callflow.TranscriptEntry {
	return callflow.TranscriptEntry{
		ID:        row.ID,
		CallID:    row.CallID,
		Timestamp: row.Timestamp,
		Text:      row.Text,
		Source:    callflow.Source(row.Source),
	}
}

func toFlowRow(flow callflow.Flow) (flowRow, error) {
	raw, err := json.Marshal(flow.Nodes)
	if err != nil {
		return flowRow{}, err
	}
	return flowRow{
		FlowID:      flow.FlowID,
		Name:        flow.Name,
		Description: flow.Description,
		NodesJSON:   string(raw),
		UpdatedAt:   flow.UpdatedAt,
	}, nil
}

func fromFlowRow(row flowRow) (callflow.Flow, error) {
	flow := callflow.Flow{
		FlowID:      row.FlowID,
		Name:        row.Name,
		Description: row.Description,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.NodesJSON), &flow.Nodes); err != nil {
		return callflow.Flow{}, err
	}
	return flow, nil
}
