package proto

// Request types accepted by the naming manager.
const (
	TypeSSRegister    = "SS_REGISTER"
	TypeSSHeartbeat   = "SS_HEARTBEAT"
	TypeSSCommit      = "SS_COMMIT"
	TypeSSCheckpoint  = "SS_CHECKPOINT"
	TypeLookup        = "LOOKUP"
	TypeCreate        = "CREATE"
	TypeDelete        = "DELETE"
	TypeMigrate       = "MIGRATE"
	TypeRename        = "RENAME"
	TypeCreateFolder  = "CREATEFOLDER"
	TypeViewFolder    = "VIEWFOLDER"
	TypeMove          = "MOVE"
	TypeAddAccess     = "ADDACCESS"
	TypeRemAccess     = "REMACCESS"
	TypeViewRequests  = "VIEWREQUESTS"
	TypeRequestAccess = "REQUEST_ACCESS"
	TypeApproveAccess = "APPROVE_ACCESS"
	TypeDenyAccess    = "DENY_ACCESS"
	TypeClientHello   = "CLIENT_HELLO"
	TypeLogout        = "LOGOUT"
	TypeUserSetActive = "USER_SET_ACTIVE"
	TypeListUsers     = "LIST_USERS"
	TypeListSS        = "LIST_SS"
	TypeStats         = "STATS"
	TypeListTrash     = "LISTTRASH"
	TypeRestore       = "RESTORE"
	TypeEmptyTrash    = "EMPTYTRASH"
	TypeView          = "VIEW"
	TypeInfo          = "INFO"
	TypeExec          = "EXEC"
	TypeDirSet        = "DIR_SET"
)

// Request types accepted by a storage server. CREATE, DELETE, RENAME,
// CREATEFOLDER and INFO are shared with the NM surface above.
const (
	TypeRead            = "READ"
	TypeStream          = "STREAM"
	TypeBeginWrite      = "BEGIN_WRITE"
	TypeApply           = "APPLY"
	TypeEndWrite        = "END_WRITE"
	TypeUndo            = "UNDO"
	TypeRevert          = "REVERT"
	TypeCheckpoint      = "CHECKPOINT"
	TypeViewCheckpoint  = "VIEWCHECKPOINT"
	TypeListCheckpoints = "LISTCHECKPOINTS"
	TypePut             = "PUT"
	TypePutUndo         = "PUT_UNDO"
	TypePutCheckpoint   = "PUT_CHECKPOINT"
)

// AccessRequest is one pending entry in a file's access-request queue.
type AccessRequest struct {
	User string `json:"user"`
	Mode string `json:"mode"`
}

// TrashEntry describes one soft-deleted file.
type TrashEntry struct {
	File    string `json:"file"`
	Trashed string `json:"trashed"`
	Owner   string `json:"owner"`
	SSID    int    `json:"ssid"`
	When    int64  `json:"when"`
}

// ServerInfo is one registry entry in a LIST_SS response.
type ServerInfo struct {
	ID       int    `json:"id"`
	Addr     string `json:"addr"`
	CtrlPort int    `json:"ctrl"`
	DataPort int    `json:"data"`
	Up       bool   `json:"up"`
}

// FileDetail is one entry in a detailed VIEW response.
type FileDetail struct {
	Name  string `json:"name"`
	Words int    `json:"words"`
	Chars int    `json:"chars"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Atime int64  `json:"atime"`
	Owner string `json:"owner"`
}

// Message is the flat wire payload. Every request and most responses are a
// subset of these fields; which fields are meaningful depends on Type (for
// requests) or on the request the response answers. Integer fields that need
// presence detection (indices, flags) are pointers.
type Message struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Msg    string `json:"msg,omitempty"`

	File    string `json:"file,omitempty"`
	NewFile string `json:"newFile,omitempty"`
	Name    string `json:"name,omitempty"`
	Path    string `json:"path,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`

	User   string `json:"user,omitempty"`
	Target string `json:"target,omitempty"`
	Op     string `json:"op,omitempty"`
	Ticket string `json:"ticket,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Flags  string `json:"flags,omitempty"`

	Body    string `json:"body,omitempty"`
	Content string `json:"content,omitempty"`
	Word    string `json:"word,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Stream  string `json:"stream,omitempty"`

	SentenceIndex *int `json:"sentenceIndex,omitempty"`
	WordIndex     *int `json:"wordIndex,omitempty"`
	Active        *int `json:"active,omitempty"`
	Exit          *int `json:"exit,omitempty"`

	SSID       int    `json:"ssId,omitempty"`
	SSCtrlPort int    `json:"ssCtrlPort,omitempty"`
	SSDataPort int    `json:"ssDataPort,omitempty"`
	TargetSSID int    `json:"targetSsId,omitempty"`
	SSAddr     string `json:"ssAddr,omitempty"`

	PublicRead  int `json:"publicRead,omitempty"`
	PublicWrite int `json:"publicWrite,omitempty"`

	// Storage-level file stats, as returned by SS INFO.
	Size  int64 `json:"size,omitempty"`
	Words int   `json:"words,omitempty"`
	Chars int   `json:"chars,omitempty"`
	Mtime int64 `json:"mtime,omitempty"`
	Atime int64 `json:"atime,omitempty"`

	// List-shaped response fields.
	Files       []string        `json:"files,omitempty"`
	Folders     []string        `json:"folders,omitempty"`
	Checkpoints []string        `json:"checkpoints,omitempty"`
	Details     []FileDetail    `json:"details,omitempty"`
	Requests    []AccessRequest `json:"requests,omitempty"`
	Trash       []TrashEntry    `json:"trash,omitempty"`
	Servers     []ServerInfo    `json:"servers,omitempty"`
}

// OK reports whether the message carries an OK status.
func (m *Message) OK() bool {
	return m != nil && m.Status == StatusOK
}

// StatsReply answers STATS. "files" is a count here, unlike the list-shaped
// field of the same name in VIEW responses, so it gets its own type.
type StatsReply struct {
	Status           string `json:"status"`
	Files            int    `json:"files"`
	ActiveLocks      int    `json:"activeLocks"`
	ReplicationQueue int    `json:"replicationQueue"`
}

// UserListReply answers LIST_USERS. "active" is a list here but a flag in
// USER_SET_ACTIVE requests.
type UserListReply struct {
	Status   string   `json:"status"`
	Active   []string `json:"active"`
	Inactive []string `json:"inactive"`
}

// FileInfoReply answers the NM-level INFO: storage stats combined with
// ownership, the formatted access summary, and last-touch tracking.
type FileInfoReply struct {
	Status           string `json:"status"`
	File             string `json:"file"`
	Owner            string `json:"owner"`
	Size             int64  `json:"size"`
	Words            int    `json:"words"`
	Chars            int    `json:"chars"`
	Mtime            int64  `json:"mtime"`
	Atime            int64  `json:"atime"`
	Access           string `json:"access"`
	LastModifiedUser string `json:"last_modified_user"`
	LastModifiedTime int64  `json:"last_modified_time"`
	LastAccessedUser string `json:"last_accessed_user"`
	LastAccessedTime int64  `json:"last_accessed_time"`
}

// FolderListReply answers VIEWFOLDER. Both lists are emitted even when
// empty so shells can render a consistent listing.
type FolderListReply struct {
	Status  string   `json:"status"`
	Path    string   `json:"path"`
	Folders []string `json:"folders"`
	Files   []string `json:"files"`
}

// CheckpointListReply answers LISTCHECKPOINTS; the list is emitted even
// when empty.
type CheckpointListReply struct {
	Status      string   `json:"status"`
	Checkpoints []string `json:"checkpoints"`
}

// StatReply answers the storage-level INFO with all fields present, zero or
// not.
type StatReply struct {
	Status string `json:"status"`
	Size   int64  `json:"size"`
	Mtime  int64  `json:"mtime"`
	Atime  int64  `json:"atime"`
	Words  int    `json:"words"`
	Chars  int64  `json:"chars"`
}

// IntPtr returns a pointer to v, for the presence-checked integer fields.
func IntPtr(v int) *int { return &v }
