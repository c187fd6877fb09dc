package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/octatecode/collabmesh/internal/client"
	"github.com/octatecode/collabmesh/internal/config"
	"github.com/octatecode/collabmesh/internal/protocol"
	"github.com/octatecode/collabmesh/internal/ui"
)

var (
	flagRoomName string
	flagFile     string
)

var hostCmd = &cobra.Command{
	Use:   "host <room-id>",
	Short: "Create a room and host a collaboration session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args[0], true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join an existing collaboration session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args[0], false)
	},
}

func init() {
	hostCmd.Flags().StringVar(&flagRoomName, "room-name", "", "display name for the room")
	hostCmd.Flags().StringVarP(&flagFile, "file", "f", "", "file whose content seeds the room")
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(joinCmd)
}

func loadConfig() *config.Config {
	cfg := config.Load()
	if flagServerURL != "" {
		cfg.ServerURL = flagServerURL
	}
	return cfg
}

func runSession(roomID string, host bool) error {
	cfg := loadConfig()
	userID := uuid.NewString()
	userName := flagUserName
	if userName == "" {
		userName = "user-" + userID[:8]
	}

	handlers := client.Handlers{
		OnRoom: func(room protocol.RoomInfo) {
			ui.PrintSuccess(fmt.Sprintf("room %s (%d peer(s))", room.RoomID, room.PeerCount))
		},
		OnPeerJoin: func(id, name string) {
			ui.PrintInfo(fmt.Sprintf("%s joined", displayName(id, name)))
		},
		OnPeerLeave: func(id string) {
			ui.PrintInfo(fmt.Sprintf("%s left", id))
		},
		OnOperation: func(op protocol.Operation) {
			ui.PrintInfo(fmt.Sprintf("op v%d %s@%d from %s", op.Version, op.Kind, op.Position, op.UserID))
		},
		OnStatus: func(status client.Status) {
			ui.PrintInfo("connection: " + status.String())
		},
		OnError: func(text string) {
			ui.PrintError(text)
		},
	}

	session := client.NewSession(cfg, roomID, userID, userName, handlers, nil, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if host {
		roomName := flagRoomName
		if roomName == "" {
			roomName = roomID
		}
		content := ""
		fileID := ""
		if flagFile != "" {
			data, readErr := os.ReadFile(flagFile)
			if readErr != nil {
				return fmt.Errorf("read seed file: %w", readErr)
			}
			content = string(data)
			fileID = flagFile
		}
		ui.PrintTitle("Hosting " + roomID)
		err = session.Host(ctx, roomName, fileID, content)
	} else {
		ui.PrintTitle("Joining " + roomID)
		err = session.Join(ctx)
	}
	if err != nil {
		return err
	}

	defer session.Close()
	waitForInterrupt()
	session.Leave()
	return nil
}

func displayName(id, name string) string {
	if name != "" {
		return name
	}
	return id
}
