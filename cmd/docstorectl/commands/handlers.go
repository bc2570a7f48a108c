package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/docsplus/docstore/internal/cli/output"
	"github.com/docsplus/docstore/pkg/proto"
	"github.com/docsplus/docstore/pkg/ticket"
)

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func okLine(msg string) error {
	fmt.Println(msg)
	return nil
}

// --- reading ---

func cmdView(c *Client, args []string) error {
	flags := strings.Join(args, "")
	resp, err := c.Call(&proto.Message{Type: proto.TypeView, Flags: flags})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}

	if strings.ContainsRune(flags, 'l') {
		table := output.NewTableData("NAME", "OWNER", "WORDS", "CHARS", "SIZE", "MODIFIED")
		for _, d := range resp.Details {
			table.AddRow(d.Name, d.Owner,
				strconv.Itoa(d.Words), strconv.Itoa(d.Chars),
				strconv.FormatInt(d.Size, 10), formatTime(d.Mtime))
		}
		return output.PrintTable(os.Stdout, table)
	}
	if len(resp.Files) == 0 {
		return okLine("no files")
	}
	for _, f := range resp.Files {
		fmt.Println(f)
	}
	return nil
}

func cmdRead(c *Client, args []string) error {
	if err := needArgs(args, 1, "READ <file>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpRead)
	if err != nil {
		return err
	}
	resp, err := c.StorageCall(lk, &proto.Message{Type: proto.TypeRead, File: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	fmt.Println(resp.Body)
	return nil
}

func cmdStream(c *Client, args []string) error {
	if err := needArgs(args, 1, "STREAM <file>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpRead)
	if err != nil {
		return err
	}
	conn, err := c.StorageDial(lk)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := proto.WriteMessage(conn, &proto.Message{
		Type: proto.TypeStream, File: args[0], Ticket: lk.Ticket,
	}); err != nil {
		return err
	}
	first := true
	for {
		m, err := proto.ReadMessage(conn)
		if err != nil {
			return err
		}
		if m.Status == proto.StatusStop {
			fmt.Println()
			return nil
		}
		if !m.OK() {
			return statusError(m)
		}
		if !first {
			fmt.Print(" ")
		}
		fmt.Print(m.Word)
		first = false
	}
}

// --- writing ---

func cmdCreate(c *Client, args []string) error {
	req := &proto.Message{Type: proto.TypeCreate}
	for _, a := range args {
		switch a {
		case "-r":
			req.PublicRead = 1
		case "-w":
			req.PublicWrite = 1
		default:
			if req.File != "" {
				return fmt.Errorf("usage: CREATE <file> [-r] [-w]")
			}
			req.File = a
		}
	}
	if req.File == "" {
		return fmt.Errorf("usage: CREATE <file> [-r] [-w]")
	}
	resp, err := c.Call(req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("created " + req.File)
}

// cmdWrite runs the interactive sentence-edit loop: BEGIN_WRITE claims the
// sentence, each "<wordIndex> <content>" line becomes an APPLY, and ETIRW
// commits through END_WRITE.
func cmdWrite(c *Client, ln *liner.State, args []string) error {
	if err := needArgs(args, 2, "WRITE <file> <sentenceIndex>"); err != nil {
		return err
	}
	sentence, err := strconv.Atoi(args[1])
	if err != nil || sentence < 0 {
		return fmt.Errorf("sentence index must be a non-negative number")
	}
	lk, err := c.Lookup(args[0], ticket.OpWrite)
	if err != nil {
		return err
	}
	conn, err := c.StorageDial(lk)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := proto.Roundtrip(conn, &proto.Message{
		Type:          proto.TypeBeginWrite,
		File:          args[0],
		Ticket:        lk.Ticket,
		SentenceIndex: proto.IntPtr(sentence),
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}

	fmt.Println("editing; enter \"<wordIndex> <content>\" lines, finish with ETIRW")
	for {
		input, err := ln.Prompt("  write> ")
		if err != nil {
			// Abandoning the session releases the lock when the connection
			// drops.
			return err
		}
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		if strings.EqualFold(trimmed, "ETIRW") {
			break
		}
		parts := strings.SplitN(trimmed, " ", 2)
		wordIndex, err := strconv.Atoi(parts[0])
		if err != nil || len(parts) < 2 {
			fmt.Println("expected: <wordIndex> <content>")
			continue
		}
		resp, err := proto.Roundtrip(conn, &proto.Message{
			Type:      proto.TypeApply,
			WordIndex: proto.IntPtr(wordIndex),
			Content:   parts[1],
		})
		if err != nil {
			return err
		}
		if !resp.OK() {
			fmt.Printf("%srejected: %v%s\n", colorRed, statusError(resp), colorReset)
		}
	}

	resp, err = proto.Roundtrip(conn, &proto.Message{Type: proto.TypeEndWrite})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("committed")
}

func cmdUndo(c *Client, args []string) error {
	if err := needArgs(args, 1, "UNDO <file>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpUndo)
	if err != nil {
		return err
	}
	resp, err := c.StorageCall(lk, &proto.Message{Type: proto.TypeUndo, File: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("undone")
}

// --- checkpoints ---

func cmdCheckpoint(c *Client, args []string) error {
	if err := needArgs(args, 2, "CHECKPOINT <file> <name>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpCheckpoint)
	if err != nil {
		return err
	}
	resp, err := c.StorageCall(lk, &proto.Message{
		Type: proto.TypeCheckpoint, File: args[0], Name: args[1],
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("checkpoint " + args[1] + " saved")
}

func cmdViewCheckpoint(c *Client, args []string) error {
	if err := needArgs(args, 2, "VIEWCHECKPOINT <file> <name>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpViewCheckpoint)
	if err != nil {
		return err
	}
	resp, err := c.StorageCall(lk, &proto.Message{
		Type: proto.TypeViewCheckpoint, File: args[0], Name: args[1],
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	fmt.Println(resp.Body)
	return nil
}

func cmdListCheckpoints(c *Client, args []string) error {
	if err := needArgs(args, 1, "LISTCHECKPOINTS <file>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpListCheckpoints)
	if err != nil {
		return err
	}
	resp, err := c.StorageCall(lk, &proto.Message{
		Type: proto.TypeListCheckpoints, File: args[0],
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	if len(resp.Checkpoints) == 0 {
		return okLine("no checkpoints")
	}
	for _, name := range resp.Checkpoints {
		fmt.Println(name)
	}
	return nil
}

func cmdRevert(c *Client, args []string) error {
	if err := needArgs(args, 2, "REVERT <file> <name>"); err != nil {
		return err
	}
	lk, err := c.Lookup(args[0], ticket.OpRevert)
	if err != nil {
		return err
	}
	resp, err := c.StorageCall(lk, &proto.Message{
		Type: proto.TypeRevert, File: args[0], Name: args[1],
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("reverted to " + args[1])
}

// --- metadata ---

func cmdInfo(c *Client, args []string) error {
	if err := needArgs(args, 1, "INFO <file>"); err != nil {
		return err
	}
	var info proto.FileInfoReply
	if err := c.CallInto(&proto.Message{Type: proto.TypeInfo, File: args[0]}, &info); err != nil {
		return err
	}
	if info.Status != proto.StatusOK {
		return fmt.Errorf("%s", humanStatus(info.Status))
	}
	pairs := [][2]string{
		{"File", info.File},
		{"Owner", info.Owner},
		{"Size", strconv.FormatInt(info.Size, 10)},
		{"Words", strconv.Itoa(info.Words)},
		{"Chars", strconv.Itoa(info.Chars)},
		{"Access", info.Access},
	}
	if info.LastModifiedUser != "" {
		pairs = append(pairs, [2]string{"Modified",
			fmt.Sprintf("%s by %s", formatTime(info.LastModifiedTime), info.LastModifiedUser)})
	}
	if info.LastAccessedUser != "" {
		pairs = append(pairs, [2]string{"Accessed",
			fmt.Sprintf("%s by %s", formatTime(info.LastAccessedTime), info.LastAccessedUser)})
	}
	return output.SimpleTable(os.Stdout, pairs)
}

func formatTime(epoch int64) string {
	if epoch == 0 {
		return "-"
	}
	return time.Unix(epoch, 0).Format("2006-01-02 15:04:05")
}

// --- trash ---

func cmdDelete(c *Client, args []string) error {
	if err := needArgs(args, 1, "DELETE <file>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeDelete, File: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("moved to trash")
}

func cmdListTrash(c *Client) error {
	resp, err := c.Call(&proto.Message{Type: proto.TypeListTrash})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	if len(resp.Trash) == 0 {
		return okLine("trash is empty")
	}
	table := output.NewTableData("FILE", "OWNER", "DELETED")
	for _, e := range resp.Trash {
		table.AddRow(e.File, e.Owner, formatTime(e.When))
	}
	return output.PrintTable(os.Stdout, table)
}

func cmdRestore(c *Client, args []string) error {
	if err := needArgs(args, 1, "RESTORE <file>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeRestore, File: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("restored " + args[0])
}

func cmdEmptyTrash(c *Client, args []string) error {
	req := &proto.Message{Type: proto.TypeEmptyTrash}
	if len(args) > 0 {
		req.File = args[0]
	}
	resp, err := c.Call(req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("trash purged")
}

// --- names and placement ---

func cmdRename(c *Client, args []string) error {
	if err := needArgs(args, 2, "RENAME <file> <newName>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeRename, File: args[0], NewFile: args[1]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("renamed to " + args[1])
}

func cmdMove(c *Client, args []string) error {
	if err := needArgs(args, 2, "MOVE <src> <dst>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeMove, Src: args[0], Dst: args[1]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("moved")
}

func cmdMigrate(c *Client, args []string) error {
	if err := needArgs(args, 2, "MIGRATE <file> <ssId>"); err != nil {
		return err
	}
	ssid, err := strconv.Atoi(args[1])
	if err != nil || ssid <= 0 {
		return fmt.Errorf("storage server id must be a positive number")
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeMigrate, File: args[0], TargetSSID: ssid})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine(fmt.Sprintf("migrated to ss%d", ssid))
}

func cmdCreateFolder(c *Client, args []string) error {
	if err := needArgs(args, 1, "CREATEFOLDER <path>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeCreateFolder, Path: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("folder created")
}

func cmdViewFolder(c *Client, args []string) error {
	path := "~"
	if len(args) > 0 {
		path = args[0]
	}
	var listing proto.FolderListReply
	err := c.CallInto(&proto.Message{Type: proto.TypeViewFolder, Path: path}, &listing)
	if err != nil {
		return err
	}
	if listing.Status != proto.StatusOK {
		return fmt.Errorf("%s", humanStatus(listing.Status))
	}
	fmt.Printf("%s:\n", listing.Path)
	for _, folder := range listing.Folders {
		fmt.Printf("  %s/\n", folder)
	}
	for _, file := range listing.Files {
		fmt.Printf("  %s\n", file)
	}
	if len(listing.Folders) == 0 && len(listing.Files) == 0 {
		fmt.Println("  (empty)")
	}
	return nil
}

// --- access control ---

// parseAccessMode extracts -r/-w flags from args, returning the mode and
// the remaining positional arguments.
func parseAccessMode(args []string) (string, []string) {
	read, write := false, false
	var rest []string
	for _, a := range args {
		switch a {
		case "-r":
			read = true
		case "-w":
			write = true
		default:
			rest = append(rest, a)
		}
	}
	switch {
	case read && write:
		return "RW", rest
	case write:
		return "W", rest
	default:
		return "R", rest
	}
}

func cmdAddAccess(c *Client, args []string) error {
	mode, rest := parseAccessMode(args)
	if err := needArgs(rest, 2, "ADDACCESS -r|-w <file> <user>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{
		Type: proto.TypeAddAccess, File: rest[0], User: rest[1], Mode: mode,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine(fmt.Sprintf("granted %s to %s", mode, rest[1]))
}

func cmdRemAccess(c *Client, args []string) error {
	if err := needArgs(args, 2, "REMACCESS <file> <user>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeRemAccess, File: args[0], User: args[1]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("revoked access for " + args[1])
}

func cmdRequestAccess(c *Client, args []string) error {
	mode, rest := parseAccessMode(args)
	if err := needArgs(rest, 1, "REQUEST_ACCESS <file> [-r|-w]"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{
		Type: proto.TypeRequestAccess, File: rest[0], Mode: mode,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("request sent to the owner")
}

func cmdViewRequests(c *Client, args []string) error {
	if err := needArgs(args, 1, "VIEWREQUESTS <file>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{Type: proto.TypeViewRequests, File: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	if len(resp.Requests) == 0 {
		return okLine("no pending requests")
	}
	table := output.NewTableData("USER", "MODE")
	for _, r := range resp.Requests {
		table.AddRow(r.User, r.Mode)
	}
	return output.PrintTable(os.Stdout, table)
}

func cmdApprove(c *Client, args []string) error {
	if err := needArgs(args, 2, "APPROVE <file> <user> [mode]"); err != nil {
		return err
	}
	req := &proto.Message{Type: proto.TypeApproveAccess, File: args[0], Target: args[1]}
	if len(args) > 2 {
		req.Mode = strings.ToUpper(args[2])
	}
	resp, err := c.Call(req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("approved " + args[1])
}

func cmdDeny(c *Client, args []string) error {
	if err := needArgs(args, 2, "DENY <file> <user>"); err != nil {
		return err
	}
	resp, err := c.Call(&proto.Message{
		Type: proto.TypeDenyAccess, File: args[0], Target: args[1],
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	return okLine("denied " + args[1])
}

// --- cluster ---

func cmdExec(c *Client, args []string) error {
	if err := needArgs(args, 1, "EXEC <file>"); err != nil {
		return err
	}
	if err := c.Send(&proto.Message{Type: proto.TypeExec, File: args[0]}); err != nil {
		return err
	}
	first, err := c.Read()
	if err != nil {
		return err
	}
	if !first.OK() {
		return statusError(first)
	}
	for {
		m, err := c.Read()
		if err != nil {
			return err
		}
		if m.Status == proto.StatusStop {
			if m.Exit != nil && *m.Exit != 0 {
				fmt.Printf("exit status %d\n", *m.Exit)
			}
			return nil
		}
		fmt.Print(m.Chunk)
	}
}

func cmdListUsers(c *Client) error {
	var users proto.UserListReply
	if err := c.CallInto(&proto.Message{Type: proto.TypeListUsers}, &users); err != nil {
		return err
	}
	if users.Status != proto.StatusOK {
		return fmt.Errorf("%s", humanStatus(users.Status))
	}
	table := output.NewTableData("USER", "STATUS")
	for _, u := range users.Active {
		table.AddRow(u, "active")
	}
	for _, u := range users.Inactive {
		table.AddRow(u, "inactive")
	}
	return output.PrintTable(os.Stdout, table)
}

func cmdListSS(c *Client) error {
	resp, err := c.Call(&proto.Message{Type: proto.TypeListSS})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return statusError(resp)
	}
	table := output.NewTableData("ID", "ADDR", "CTRL", "DATA", "STATE")
	for _, s := range resp.Servers {
		state := "down"
		if s.Up {
			state = "up"
		}
		table.AddRow(strconv.Itoa(s.ID), s.Addr,
			strconv.Itoa(s.CtrlPort), strconv.Itoa(s.DataPort), state)
	}
	return output.PrintTable(os.Stdout, table)
}

func cmdStats(c *Client) error {
	var stats proto.StatsReply
	if err := c.CallInto(&proto.Message{Type: proto.TypeStats}, &stats); err != nil {
		return err
	}
	if stats.Status != proto.StatusOK {
		return fmt.Errorf("%s", humanStatus(stats.Status))
	}
	locks := strconv.Itoa(stats.ActiveLocks)
	if stats.ActiveLocks < 0 {
		locks = "n/a"
	}
	return output.SimpleTable(os.Stdout, [][2]string{
		{"Files", strconv.Itoa(stats.Files)},
		{"Active locks", locks},
		{"Replication queue", strconv.Itoa(stats.ReplicationQueue)},
	})
}
