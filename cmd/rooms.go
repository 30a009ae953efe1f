package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"voicerooms/internal/app/rooms"
	"voicerooms/pkg/webrtc/protocol"
)

var (
	flagRoomDescription string
	flagRoomWorkspace   string
	flagRoomMaxMembers  int
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Create, inspect and delete rooms",
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a room owned by --user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var room rooms.Room
		err := newAPIClient().do(cmd.Context(), http.MethodPost, "/rooms", map[string]interface{}{
			"name":        args[0],
			"description": flagRoomDescription,
			"workspaceId": flagRoomWorkspace,
			"maxMembers":  flagRoomMaxMembers,
		}, &room)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created room %s (%s, max %d members)\n", room.ID, room.Name, room.MaxMembers)
		return nil
	},
}

var roomsGetCmd = &cobra.Command{
	Use:   "get ROOM_ID",
	Short: "Print a room and its participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view protocol.RoomView
		if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/rooms/"+url.PathEscape(args[0]), nil, &view); err != nil {
			return err
		}
		renderRoster(cmd, view)
		return nil
	},
}

var roomsDeleteCmd = &cobra.Command{
	Use:   "delete ROOM_ID",
	Short: "Delete a room; only its creator may do so",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().do(cmd.Context(), http.MethodDelete, "/rooms/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted room %s\n", args[0])
		return nil
	},
}

var roomsSharersCmd = &cobra.Command{
	Use:   "sharers ROOM_ID",
	Short: "List members currently sharing their screen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Sharers []string `json:"sharers"`
		}
		if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/rooms/"+url.PathEscape(args[0])+"/sharers", nil, &out); err != nil {
			return err
		}
		if len(out.Sharers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nobody is sharing")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out.Sharers, "\n"))
		return nil
	},
}

func init() {
	f := roomsCreateCmd.Flags()
	f.StringVar(&flagRoomDescription, "description", "", "room description")
	f.StringVar(&flagRoomWorkspace, "workspace", "", "workspace id")
	f.IntVar(&flagRoomMaxMembers, "max-members", 0, "capacity (0 uses the server default)")

	roomsCmd.AddCommand(roomsCreateCmd, roomsGetCmd, roomsDeleteCmd, roomsSharersCmd)
}

func renderRoster(cmd *cobra.Command, view protocol.RoomView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  (%d/%d)\n", view.ID, view.Name, len(view.Participants), view.MaxMembers)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Member", "Name", "Muted", "Video", "Sharing", "Speaking", "Deafened"})
	for _, p := range view.Participants {
		t.AppendRow(table.Row{p.UserID, p.DisplayName, mark(p.IsMuted), mark(p.IsVideoOn), mark(p.IsScreenSharing), mark(p.IsSpeaking), mark(p.IsDeafened)})
	}
	if len(view.Participants) == 0 {
		t.AppendFooter(table.Row{"empty"})
	}
	t.Render()
}

func mark(on bool) string {
	if on {
		return "yes"
	}
	return "-"
}
