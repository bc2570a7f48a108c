package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// errExit asks the shell loop to terminate cleanly.
var errExit = errors.New("exit")

const helpText = `Commands:
  VIEW [-a] [-l]                 list files (-a: all, -l: details)
  READ <file>                    print a document
  STREAM <file>                  print a document word by word
  CREATE <file> [-r] [-w]       create (-r/-w: public read/write)
  WRITE <file> <sentence>        edit one sentence (end with ETIRW)
  UNDO <file>                    undo the last committed write
  CHECKPOINT <file> <name>       snapshot under a name
  VIEWCHECKPOINT <file> <name>   print a snapshot
  LISTCHECKPOINTS <file>         list snapshot names
  REVERT <file> <name>           restore a snapshot
  INFO <file>                    stats, owner and access summary
  DELETE <file>                  move a file to trash (owner only)
  LISTTRASH                      list trashed files
  RESTORE <file>                 restore a trashed file
  EMPTYTRASH [file]              purge one entry or all of yours
  RENAME <file> <newName>        rename a file
  MOVE <src> <dst>               move a file or folder
  MIGRATE <file> <ssId>          move a file to another storage server
  CREATEFOLDER <path>            create a logical folder
  VIEWFOLDER [path]              list a folder's children
  ADDACCESS -r|-w <file> <user>  grant access (owner only)
  REMACCESS <file> <user>        revoke access (owner only)
  REQUEST_ACCESS <file> [-r|-w]  ask the owner for access
  VIEWREQUESTS <file>            list pending requests (owner only)
  APPROVE <file> <user> [mode]   approve a pending request (owner only)
  DENY <file> <user>             deny a pending request (owner only)
  EXEC <file>                    run a document as a shell script
  LIST                           list known users
  LISTSS                         list storage servers
  STATS                          cluster statistics
  CLEAR                          clear the screen
  EXIT                           log out and quit`

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".docstorectl_history")
}

// runShell drives the interactive loop until EXIT or EOF.
func runShell(c *Client) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if path := historyPath(); path != "" {
		if f, err := os.Open(path); err == nil {
			_, _ = ln.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(path); err == nil {
				_, _ = ln.WriteHistory(f)
				f.Close()
			}
		}()
	}

	fmt.Printf("Connected as %s. Type HELP for commands.\n", c.user)
	for {
		input, err := ln.Prompt(c.user + "@docstore> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(input)
		if len(fields) == 0 {
			continue
		}
		ln.AppendHistory(input)

		if err := dispatch(c, ln, fields); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Printf("%serror: %v%s\n", colorRed, err, colorReset)
		}
	}
}

func dispatch(c *Client, ln *liner.State, fields []string) error {
	args := fields[1:]
	switch strings.ToUpper(fields[0]) {
	case "EXIT", "QUIT":
		return errExit
	case "CLEAR":
		fmt.Print("\033[H\033[2J")
		return nil
	case "HELP":
		fmt.Println(helpText)
		return nil
	case "VIEW":
		return cmdView(c, args)
	case "READ":
		return cmdRead(c, args)
	case "STREAM":
		return cmdStream(c, args)
	case "CREATE":
		return cmdCreate(c, args)
	case "WRITE":
		return cmdWrite(c, ln, args)
	case "UNDO":
		return cmdUndo(c, args)
	case "CHECKPOINT":
		return cmdCheckpoint(c, args)
	case "VIEWCHECKPOINT":
		return cmdViewCheckpoint(c, args)
	case "LISTCHECKPOINTS":
		return cmdListCheckpoints(c, args)
	case "REVERT":
		return cmdRevert(c, args)
	case "INFO":
		return cmdInfo(c, args)
	case "DELETE":
		return cmdDelete(c, args)
	case "LISTTRASH":
		return cmdListTrash(c)
	case "RESTORE":
		return cmdRestore(c, args)
	case "EMPTYTRASH":
		return cmdEmptyTrash(c, args)
	case "RENAME":
		return cmdRename(c, args)
	case "MOVE":
		return cmdMove(c, args)
	case "MIGRATE":
		return cmdMigrate(c, args)
	case "CREATEFOLDER":
		return cmdCreateFolder(c, args)
	case "VIEWFOLDER":
		return cmdViewFolder(c, args)
	case "ADDACCESS":
		return cmdAddAccess(c, args)
	case "REMACCESS":
		return cmdRemAccess(c, args)
	case "REQUEST_ACCESS", "REQUESTACCESS":
		return cmdRequestAccess(c, args)
	case "VIEWREQUESTS":
		return cmdViewRequests(c, args)
	case "APPROVE":
		return cmdApprove(c, args)
	case "DENY":
		return cmdDeny(c, args)
	case "EXEC":
		return cmdExec(c, args)
	case "LIST":
		return cmdListUsers(c)
	case "LISTSS", "LIST_SS":
		return cmdListSS(c)
	case "STATS":
		return cmdStats(c)
	default:
		return fmt.Errorf("unknown command %q, type HELP for the list", fields[0])
	}
}
