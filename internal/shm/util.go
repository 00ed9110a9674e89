/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShmDir = "/dev/shm"

// DefaultDir is where segments live when no directory is configured.
func DefaultDir() string {
	if runtime.GOOS == "linux" {
		return devShmDir
	}
	return os.TempDir()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	return !os.IsNotExist(err)
}

// canCreateOnDevShm reports whether size bytes still fit on /dev/shm.
// Paths outside /dev/shm always report true.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, devShmDir+"/") {
		return true
	}
	stat, err := disk.Usage(devShmDir)
	if err != nil {
		internalLogger.Warnf("could not get %s usage: %v", devShmDir, err)
		return true
	}
	return stat.Free >= size
}

// FreeSpace returns the free bytes of the filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	stat, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return stat.Free, nil
}
