package main

import (
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/zulandar/medconsult/internal/models"
)

var statusStyles = map[string]color.Style{
	models.StatusRequested: color.New(color.FgYellow),
	models.StatusActive:    color.New(color.FgGreen, color.OpBold),
	models.StatusCompleted: color.New(color.FgCyan),
	models.StatusCancelled: color.New(color.FgRed),
}

// colorStatus renders a status in its terminal colour.
func colorStatus(status string) string {
	if s, ok := statusStyles[status]; ok {
		return s.Render(status)
	}
	return status
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}

// renderConsultations writes a borderless table of consultations.
func renderConsultations(w io.Writer, list []models.Consultation) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Status", "Patient", "Doctor", "Date", "Disease"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, c := range list {
		table.Append([]string{
			c.ID,
			colorStatus(c.Status),
			c.PatientID,
			c.DoctorID,
			c.ConsultationDate.Format("2006-01-02"),
			c.DiseaseName,
		})
	}
	table.Render()
}
