package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/octatecode/collabmesh/internal/protocol"
	"github.com/octatecode/collabmesh/internal/ui"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List active rooms on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		httpClient := &http.Client{Timeout: 10 * time.Second}
		resp, err := httpClient.Get(cfg.HTTPBaseURL() + "/api/rooms")
		if err != nil {
			return fmt.Errorf("fetch rooms: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %s", resp.Status)
		}

		var body struct {
			Count int                 `json:"count"`
			Rooms []protocol.RoomInfo `json:"rooms"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode rooms response: %w", err)
		}

		fmt.Println(ui.RenderRoomsTable(body.Rooms))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
}
