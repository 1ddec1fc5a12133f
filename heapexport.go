//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vprof

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// exporterTimeout bounds how long an export subprocess may run before it is
// killed.
const exporterTimeout = 5 * time.Second

type allocationJSON struct {
	Name         string           `json:"name"`
	ScriptName   string           `json:"scriptName"`
	ScriptID     int64            `json:"scriptId"`
	LineNumber   int64            `json:"lineNumber"`
	ColumnNumber int64            `json:"columnNumber"`
	Children     []allocationJSON `json:"children"`
	Allocations  []bucketJSON     `json:"allocations"`
}

type bucketJSON struct {
	SizeBytes int64 `json:"sizeBytes"`
	Count     int64 `json:"count"`
}

func allocationToJSON(n *AllocationNode) allocationJSON {
	out := allocationJSON{
		Name:         n.Name,
		ScriptName:   n.ScriptName,
		ScriptID:     n.ScriptID,
		LineNumber:   n.LineNumber,
		ColumnNumber: n.ColumnNumber,
		Children:     make([]allocationJSON, 0, len(n.Children)),
		Allocations:  make([]bucketJSON, 0, len(n.Allocations)),
	}
	for _, a := range n.Allocations {
		out.Allocations = append(out.Allocations, bucketJSON{SizeBytes: a.SizeBytes, Count: a.Count})
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, allocationToJSON(c))
	}
	return out
}

// exportAllocations writes the snapshot to a temp file as a single JSON
// value and runs argv with the file path appended. The child is detached so
// it can outlive a crashing host, but is killed if it outlasts the export
// timeout. The temp file is removed before returning.
func exportAllocations(snapshot *AllocationNode, argv []string, logger zerolog.Logger) error {
	if snapshot == nil || len(argv) == 0 {
		return nil
	}

	f, err := os.CreateTemp("", "vprof-heap-*.json")
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	data, err := json.Marshal(allocationToJSON(snapshot))
	if err != nil {
		f.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	cmd := exec.Command(argv[0], append(append([]string(nil), argv[1:]...), path)...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning exporter: %w", err)
	}
	logger.Debug().Str("path", path).Strs("argv", argv).Msg("allocation exporter started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(exporterTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("exporter: %w", err)
		}
		return nil
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("exporter timed out after %s", exporterTimeout)
	}
}
