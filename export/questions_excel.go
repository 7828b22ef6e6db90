package export

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"questionpool/models"

	"github.com/xuri/excelize/v2"
)

const questionsSheet = "Questions"

var questionHeader = []string{
	"ID", "Subject", "Status", "Difficulty", "Text", "LaTeX",
	"Writer ID", "Typesetter ID", "Revision note", "Photo", "File",
	"Created", "Typesetting started", "Typesetting finished",
}

// QuestionsWorkbook writes one row per question under a bold, filterable
// header row.
func QuestionsWorkbook(questions []models.Question) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", questionsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	rows := make([][]string, 0, len(questions)+1)
	rows = append(rows, questionHeader)
	for _, q := range questions {
		subject := ""
		if q.Subject != nil {
			subject = q.Subject.Name
		}
		difficulty := ""
		if q.Difficulty != nil {
			difficulty = string(*q.Difficulty)
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(q.ID), 10),
			subject,
			string(q.Status),
			difficulty,
			q.Text,
			deref(q.LatexCode),
			idString(q.CreatedBy),
			idString(q.TypesetterID),
			deref(q.RevisionNote),
			deref(q.PhotoURL),
			deref(q.FileURL),
			q.CreatedAt.Format(time.DateTime),
			timeString(q.TypesettingStartedAt),
			timeString(q.TypesettingFinishedAt),
		})
	}

	for r, row := range rows {
		for c, val := range row {
			cell := fmt.Sprintf("%s%d", colName(c+1), r+1)
			if err := f.SetCellStr(questionsSheet, cell, val); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	end := colName(len(questionHeader)) + "1"
	if bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(questionsSheet, "A1", end, bold)
	}
	_ = f.AutoFilter(questionsSheet, "A1:"+end, nil)

	for c := 1; c <= len(questionHeader); c++ {
		width := 10.0
		for r := 0; r < min(50, len(rows)); r++ {
			if w := float64(utf8.RuneCountInString(rows[r][c-1])) * 1.1; w > width {
				width = w
			}
		}
		_ = f.SetColWidth(questionsSheet, colName(c), colName(c), min(width, 60))
	}
	return f, nil
}

// Filename names an export taken at t.
func Filename(t time.Time) string {
	return "questions-" + t.Format("20060102-150405") + ".xlsx"
}

// colName maps 1 -> A, 27 -> AA.
func colName(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+(n%26))) + s
		n /= 26
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func idString(id *uint) string {
	if id == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*id), 10)
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateTime)
}
