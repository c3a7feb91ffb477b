package main

import (
	"fmt"
	"time"

	"staysync/internal/models"
	"staysync/internal/service"

	"github.com/spf13/cobra"
)

const defaultExportDays = 90

func newExportCmd(configPath *string) *cobra.Command {
	var unitID, from, to, dir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the projected availability calendar to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().UTC()
			r, err := exportRange(from, to, now)
			if err != nil {
				return err
			}

			unitIDs := []string{unitID}
			if unitID == "" {
				unitIDs = unitIDs[:0]
				for _, u := range a.catalog.Units(cmd.Context()) {
					if !u.Disabled {
						unitIDs = append(unitIDs, u.ID)
					}
				}
			}

			views := make([]*service.CalendarView, 0, len(unitIDs))
			for _, id := range unitIDs {
				view, err := a.projector.Project(cmd.Context(), id, r)
				if err != nil {
					return fmt.Errorf("project %s: %w", id, err)
				}
				views = append(views, view)
			}

			if dir == "" {
				dir = a.cfg.Exports.Path
			}
			path, err := service.SaveCalendarXLSX(dir, views, r, now)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&unitID, "unit", "", "export a single unit (default: all active units)")
	cmd.Flags().StringVar(&from, "from", "", "first night, YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&to, "to", "", "exclusive end, YYYY-MM-DD (default: from + 90 days)")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default: exports.path)")
	return cmd
}

func exportRange(from, to string, now time.Time) (models.DateRange, error) {
	start := models.TruncateDate(now)
	if from != "" {
		d, err := models.ParseDate(from)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("--from: %w", err)
		}
		start = d
	}
	end := start.AddDate(0, 0, defaultExportDays)
	if to != "" {
		d, err := models.ParseDate(to)
		if err != nil {
			return models.DateRange{}, fmt.Errorf("--to: %w", err)
		}
		end = d
	}
	r := models.NewDateRange(start, end)
	if !r.Valid() {
		return models.DateRange{}, fmt.Errorf("--from must be before --to")
	}
	return r, nil
}
