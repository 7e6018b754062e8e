// Package pdf renders the legal-vote protocol and the training
// participation report to PDF. Rendering is pure: bytes in, bytes out;
// persistence is the object-store collaborator's job.
package pdf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"
)

// Template is the per-tenant letterhead applied to every rendered
// document.
type Template struct {
	Title  string
	Footer string
}

// LoadTemplate reads the tenant's template from dir/{tenant}.txt (first
// line title, second line footer). Missing files fall back to a neutral
// default rather than failing the render.
func LoadTemplate(dir, tenant string) Template {
	data, err := os.ReadFile(filepath.Join(dir, tenant+".txt"))
	if err != nil {
		return Template{Title: "Vote Protocol", Footer: ""}
	}
	lines := bytes.SplitN(data, []byte("\n"), 2)
	t := Template{Title: string(bytes.TrimSpace(lines[0]))}
	if len(lines) > 1 {
		t.Footer = string(bytes.TrimSpace(lines[1]))
	}
	if t.Title == "" {
		t.Title = "Vote Protocol"
	}
	return t
}

// ProtocolLine is one rendered row of a legal-vote protocol.
type ProtocolLine struct {
	Timestamp time.Time
	Entry     string
}

// VoteProtocolInput is everything the legal-vote PDF needs.
type VoteProtocolInput struct {
	Template  Template
	VoteName  string
	Kind      string
	StartTime time.Time
	EndTime   time.Time
	Timezone  *time.Location // nil renders UTC
	Lines     []ProtocolLine
	Tally     map[string]uint64
}

// RenderVoteProtocol renders the protocol log to a PDF document.
func RenderVoteProtocol(in VoteProtocolInput) ([]byte, error) {
	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetTitle(in.Template.Title, true)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.CellFormat(0, 10, in.Template.Title, "", 1, "C", false, 0, "")
	doc.SetFont("Helvetica", "", 11)
	doc.CellFormat(0, 7, in.VoteName, "", 1, "C", false, 0, "")
	doc.CellFormat(0, 6, fmt.Sprintf("Kind: %s", in.Kind), "", 1, "L", false, 0, "")
	doc.CellFormat(0, 6, fmt.Sprintf("Started: %s", in.StartTime.In(loc).Format("2006-01-02 15:04:05 MST")), "", 1, "L", false, 0, "")
	if !in.EndTime.IsZero() {
		doc.CellFormat(0, 6, fmt.Sprintf("Ended: %s", in.EndTime.In(loc).Format("2006-01-02 15:04:05 MST")), "", 1, "L", false, 0, "")
	}
	doc.Ln(4)

	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(0, 7, "Results", "B", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 10)
	for _, option := range []string{"yes", "no", "abstain"} {
		if count, ok := in.Tally[option]; ok {
			doc.CellFormat(0, 6, fmt.Sprintf("%s: %d", option, count), "", 1, "L", false, 0, "")
		}
	}
	doc.Ln(4)

	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(0, 7, "Protocol", "B", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 9)
	for _, line := range in.Lines {
		stamp := line.Timestamp.In(loc).Format("15:04:05")
		doc.MultiCell(0, 5, fmt.Sprintf("%s  %s", stamp, line.Entry), "", "L", false)
	}

	if in.Template.Footer != "" {
		doc.Ln(6)
		doc.SetFont("Helvetica", "I", 8)
		doc.CellFormat(0, 5, in.Template.Footer, "", 1, "C", false, 0, "")
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf: render vote protocol: %w", err)
	}
	return buf.Bytes(), nil
}

// ReportParticipant names one trainee in a participation report.
type ReportParticipant struct {
	Id          string
	DisplayName string
}

// ReportCheckpoint is one checkpoint column: when it fired and, per
// participant id, when (if at all) presence was confirmed.
type ReportCheckpoint struct {
	Timestamp time.Time
	Presence  map[string]*time.Time
}

// TrainingReportInput is everything the attendance report PDF needs.
type TrainingReportInput struct {
	Title        string
	Description  string
	Timezone     *time.Location // nil renders UTC
	Start        time.Time
	End          time.Time
	Participants []ReportParticipant
	Checkpoints  []ReportCheckpoint
}

// RenderTrainingReport renders the presence matrix to a PDF document.
func RenderTrainingReport(in TrainingReportInput) ([]byte, error) {
	loc := in.Timezone
	if loc == nil {
		loc = time.UTC
	}

	doc := fpdf.New("L", "mm", "A4", "")
	doc.SetTitle(in.Title, true)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.CellFormat(0, 10, in.Title, "", 1, "C", false, 0, "")
	if in.Description != "" {
		doc.SetFont("Helvetica", "", 10)
		doc.MultiCell(0, 5, in.Description, "", "C", false)
	}
	doc.SetFont("Helvetica", "", 10)
	doc.CellFormat(0, 6, fmt.Sprintf("Session: %s - %s",
		in.Start.In(loc).Format("2006-01-02 15:04"),
		in.End.In(loc).Format("15:04 MST")), "", 1, "L", false, 0, "")
	doc.Ln(4)

	nameColWidth := 60.0
	cpColWidth := 22.0

	doc.SetFont("Helvetica", "B", 9)
	doc.CellFormat(nameColWidth, 7, "Participant", "1", 0, "L", false, 0, "")
	for _, cp := range in.Checkpoints {
		doc.CellFormat(cpColWidth, 7, cp.Timestamp.In(loc).Format("15:04:05"), "1", 0, "C", false, 0, "")
	}
	doc.Ln(-1)

	doc.SetFont("Helvetica", "", 9)
	for _, p := range in.Participants {
		doc.CellFormat(nameColWidth, 7, p.DisplayName, "1", 0, "L", false, 0, "")
		for _, cp := range in.Checkpoints {
			cell := "-"
			if confirmed := cp.Presence[p.Id]; confirmed != nil {
				cell = confirmed.In(loc).Format("15:04:05")
			}
			doc.CellFormat(cpColWidth, 7, cell, "1", 0, "C", false, 0, "")
		}
		doc.Ln(-1)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf: render training report: %w", err)
	}
	return buf.Bytes(), nil
}
