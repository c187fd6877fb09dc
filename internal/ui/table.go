package ui

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/octatecode/collabmesh/internal/protocol"
)

// RenderRoomsTable renders the active-rooms listing.
func RenderRoomsTable(rooms []protocol.RoomInfo) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No active rooms")
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Name", "Host", "Peers", "State", "Last Activity"})

	for _, r := range rooms {
		t.AppendRow(table.Row{
			r.RoomID,
			r.RoomName,
			r.HostName,
			r.PeerCount,
			string(r.State),
			time.UnixMilli(r.LastActivity).Format(time.TimeOnly),
		})
	}
	return t.Render()
}
