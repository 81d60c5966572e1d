/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package statusfile persists the replica roster the CrossNode
// controller restores on restart. One process owns one status file;
// every read and write is serialized by an in-process mutex.
package statusfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/verylucky01/mindie-motor/pkg/merrors"
)

// statusFileMode is the permission the file must carry. The Handler
// checks this on every read and rewrites it on every save.
const statusFileMode = 0640

// Record is one replica's persisted roster entry.
type Record struct {
	ServerName string `json:"server_name"`
	Namespace  string `json:"namespace"`
	Replicas   int    `json:"replicas"`
	ServerType string `json:"server_type"`
	UseService bool   `json:"use_service"`
}

type document struct {
	ServerList []Record `json:"server_list"`
}

// Handler reads and writes one status file. maxServers bounds the
// number of roster entries: Save refuses once the roster on disk
// already holds that many.
type Handler struct {
	mu         sync.Mutex
	path       string
	maxServers int
}

// New returns a Handler for path. If path does not yet exist, it is
// created with an empty roster and the required permission.
func New(path string, maxServers int) (*Handler, error) {
	h := &Handler{path: path, maxServers: maxServers}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := h.write(document{ServerList: []Record{}}); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Load reads every currently persisted record.
func (h *Handler) Load() ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, err := h.read()
	if err != nil {
		return nil, err
	}
	return doc.ServerList, nil
}

// Save appends status to the roster and persists it. Returns
// ResourceExhausted if the roster is already at maxServers.
func (h *Handler) Save(status Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, err := h.read()
	if err != nil {
		return err
	}
	if h.maxServers > 0 && len(doc.ServerList) >= h.maxServers {
		return merrors.New(merrors.KindResourceExhausted, merrors.ModuleStatusFile, "01", "01",
			fmt.Sprintf("statusfile: roster already holds the maximum of %d servers", h.maxServers))
	}
	doc.ServerList = append(doc.ServerList, status)
	return h.write(doc)
}

// Remove deletes every record matching serverName and persists the
// result. It is not an error for serverName to be absent.
func (h *Handler) Remove(serverName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, err := h.read()
	if err != nil {
		return err
	}
	kept := doc.ServerList[:0]
	for _, r := range doc.ServerList {
		if r.ServerName != serverName {
			kept = append(kept, r)
		}
	}
	doc.ServerList = kept
	return h.write(doc)
}

func (h *Handler) read() (document, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return document{}, merrors.Wrap(merrors.KindNotFound, merrors.ModuleStatusFile, "01", "02", err,
			fmt.Sprintf("statusfile: stat %s", h.path))
	}
	if info.Mode().Perm() != statusFileMode {
		if err := os.Chmod(h.path, statusFileMode); err != nil {
			return document{}, merrors.Wrap(merrors.KindCallError, merrors.ModuleStatusFile, "01", "03", err,
				fmt.Sprintf("statusfile: fixing permissions on %s", h.path))
		}
	}

	data, err := os.ReadFile(h.path)
	if err != nil {
		return document{}, merrors.Wrap(merrors.KindNotFound, merrors.ModuleStatusFile, "01", "04", err,
			fmt.Sprintf("statusfile: reading %s", h.path))
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, merrors.Wrap(merrors.KindInvalidInput, merrors.ModuleStatusFile, "01", "05", err,
			"statusfile: file is not valid JSON")
	}
	return doc, nil
}

// write serializes doc with 4-space indentation and (re)writes the
// file, ensuring it ends up at mode 0640.
func (h *Handler) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return merrors.Wrap(merrors.KindException, merrors.ModuleStatusFile, "01", "06", err,
			"statusfile: encoding roster")
	}
	if err := os.WriteFile(h.path, data, statusFileMode); err != nil {
		return merrors.Wrap(merrors.KindCallError, merrors.ModuleStatusFile, "01", "07", err,
			fmt.Sprintf("statusfile: writing %s", h.path))
	}
	return os.Chmod(h.path, statusFileMode)
}
