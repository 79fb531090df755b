// Copyright 2022 Piprate Limited
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

package ratelimit

import "time"

type Difficulty struct {
	N       uint8
	K       uint8
	Timeout time.Duration
}

// Difficulties is the ordered escalation ladder. Timeouts are based on
// benchmarking a Raspberry Pi 1B; entries past (95,4) are interpolated.
var Difficulties = []Difficulty{
	{60, 4, 1 * time.Second},     // 320KiB, ~0.02
	{65, 4, 2 * time.Second},     // 640KiB, ~0.04
	{70, 4, 4 * time.Second},     // 1MiB, ~0.08
	{75, 4, 9 * time.Second},     // 2MiB, ~0.2
	{80, 4, 16 * time.Second},    // 5MiB, ~0.5
	{85, 4, 32 * time.Second},    // 10MiB, ~0.9
	{90, 4, 80 * time.Second},    // 20MiB, ~2.4
	{95, 4, 160 * time.Second},   // 40MiB, ~4.6
	{100, 4, 320 * time.Second},  // 80MiB, ~7.8
	{105, 4, 640 * time.Second},  // 160MiB, ~25
	{110, 4, 1280 * time.Second}, // 320MiB, ~57
	{115, 4, 2560 * time.Second}, // 640MiB, ~70
	{120, 4, 5120 * time.Second}, // 1GiB, ~109
}

// timeouts indexes the ladder by (n, k); foreign parameters are rejected
// in challenge verification by a failed lookup.
var timeouts = map[[2]uint8]time.Duration{}

func init() {
	for _, d := range Difficulties {
		timeouts[[2]uint8{d.N, d.K}] = d.Timeout
	}
}
