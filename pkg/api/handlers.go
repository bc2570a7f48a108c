package api

import (
	"net/http"
	"sort"

	"github.com/docsplus/docstore/pkg/nm"
	"github.com/docsplus/docstore/pkg/nm/state"
	"github.com/docsplus/docstore/pkg/proto"
)

type handler struct {
	nm *nm.Server
}

func newHandler(n *nm.Server) *handler {
	return &handler{nm: n}
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, HealthyResponse(map[string]string{"service": "nm"}))
}

// statusBody is the /v1/status payload.
type statusBody struct {
	Files            int `json:"files"`
	Folders          int `json:"folders"`
	ActiveUsers      int `json:"activeUsers"`
	ServersUp        int `json:"serversUp"`
	ServersKnown     int `json:"serversKnown"`
	TrashEntries     int `json:"trashEntries"`
	ReplicationQueue int `json:"replicationQueue"`
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	var body statusBody
	h.nm.State().View(func(st *state.State) {
		body.Files = len(st.Directory)
		body.Folders = len(st.Folders)
		body.ActiveUsers = len(st.Active)
		body.TrashEntries = len(st.Trash)
	})
	for _, s := range h.nm.Registry().List() {
		body.ServersKnown++
		if s.Up {
			body.ServersUp++
		}
	}
	body.ReplicationQueue = h.nm.Replicator().Pending()
	JSON(w, http.StatusOK, OKResponse(body))
}

func (h *handler) servers(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, OKResponse(h.nm.Registry().List()))
}

// fileEntry is one row in the /v1/files listing.
type fileEntry struct {
	Name             string `json:"name"`
	SSID             int    `json:"ssId"`
	Owner            string `json:"owner,omitempty"`
	Replicas         []int  `json:"replicas,omitempty"`
	LastModifiedUser string `json:"lastModifiedUser,omitempty"`
	LastModifiedTime int64  `json:"lastModifiedTime,omitempty"`
}

func (h *handler) files(w http.ResponseWriter, _ *http.Request) {
	entries := []fileEntry{}
	h.nm.State().View(func(st *state.State) {
		for name, e := range st.Directory {
			entries = append(entries, fileEntry{
				Name:             name,
				SSID:             e.SSID,
				Owner:            st.Owner(name),
				Replicas:         st.Replicas[name],
				LastModifiedUser: e.LastModifiedUser,
				LastModifiedTime: e.LastModifiedTime,
			})
		}
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	JSON(w, http.StatusOK, OKResponse(entries))
}

func (h *handler) trash(w http.ResponseWriter, _ *http.Request) {
	entries := []proto.TrashEntry{}
	h.nm.State().View(func(st *state.State) {
		entries = append(entries, st.Trash...)
	})
	JSON(w, http.StatusOK, OKResponse(entries))
}

// userEntry is one row in the /v1/users listing.
type userEntry struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func (h *handler) users(w http.ResponseWriter, _ *http.Request) {
	entries := []userEntry{}
	h.nm.State().View(func(st *state.State) {
		for _, u := range st.Users {
			entries = append(entries, userEntry{Name: u, Active: st.IsActive(u)})
		}
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	JSON(w, http.StatusOK, OKResponse(entries))
}
