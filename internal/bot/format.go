package bot

import (
	"fmt"
	"strings"
	"time"

	"staysync/internal/channelsync"
	"staysync/internal/models"
)

const timeLayout = "2006-01-02 15:04"

func formatChannels(health []models.ChannelHealth) string {
	if len(health) == 0 {
		return "No channel feeds configured"
	}
	var sb strings.Builder
	sb.WriteString("Channel feeds:\n")
	for _, h := range health {
		state := "ok"
		if h.Degraded {
			state = "DEGRADED"
		}
		fmt.Fprintf(&sb, "\n%s/%s: %s", h.UnitID, h.Channel, state)
		if h.LastSuccess != nil {
			fmt.Fprintf(&sb, ", last success %s", h.LastSuccess.UTC().Format(timeLayout))
		}
		if h.FailureCount > 0 {
			fmt.Fprintf(&sb, ", %d failures (%s)", h.FailureCount, h.LastError)
		}
		fmt.Fprintf(&sb, ", next %s", h.NextSyncAt.UTC().Format(timeLayout))
	}
	return sb.String()
}

func formatAnomalies(list []models.SyncAnomaly) string {
	if len(list) == 0 {
		return "No open anomalies"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Open anomalies: %d\n", len(list))
	for _, a := range list {
		fmt.Fprintf(&sb, "\n#%d %s %s claim %s %s", a.ID, a.UnitID, a.Source, a.ExternalUID, a.Range)
		if len(a.ConflictingSources) > 0 {
			names := make([]string, 0, len(a.ConflictingSources))
			for _, s := range a.ConflictingSources {
				names = append(names, string(s))
			}
			fmt.Fprintf(&sb, " vs %s", strings.Join(names, ", "))
		}
	}
	return sb.String()
}

func formatPass(res channelsync.PassResult) string {
	next := res.NextSyncAt.UTC().Format(time.RFC3339)
	if res.NotModified {
		return fmt.Sprintf("%s/%s: feed not modified, next sync %s", res.UnitID, res.Channel, next)
	}
	return fmt.Sprintf("%s/%s synced: %d created, %d updated, %d cancelled, %d anomalies, %d failed\nNext sync %s",
		res.UnitID, res.Channel, res.Created, res.Updated, res.Cancelled, len(res.Anomalies), res.Failed, next)
}
