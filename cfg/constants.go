// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

const (
	// DefaultFSSize is the virtual filesystem size reported by statfs(2) when
	// -o size is not given: 10 GiB, matching the original's
	// 10ull * 1024 * 1024 * 1024 default.
	DefaultFSSize uint64 = 10 * 1024 * 1024 * 1024

	// DefaultCacheSize is the online block cache budget in blocks when
	// -o cachesize is not given.
	DefaultCacheSize = 32

	// DefaultPort is the fallback backend port when neither a global nor a
	// per-namespace port is given.
	DefaultPort = 9900
)
