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

package node

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigTemplate = `version: 1.0
address: 127.0.0.1
port: %d
timeout: 30
datadir: %s
ssl_cert: %s
ssl_key: %s
max_kids: %d
rl_decay: 1800
rl_threshold: 1
rl_gracetime: 10
verbose: false
mask_unknown: false
`

// GenerateConfig renders the default configuration rooted at baseDir.
func GenerateConfig(baseDir string) []byte {
	return []byte(fmt.Sprintf(defaultConfigTemplate,
		DefaultPort,
		filepath.Join(baseDir, "data"),
		filepath.Join(baseDir, "cert.pem"),
		filepath.Join(baseDir, "key.pem"),
		DefaultMaxKids,
	))
}

// SafeWriteConfigToFile writes the default config, refusing to overwrite
// an existing one.
func SafeWriteConfigToFile(configDir, configName string) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return err
	}

	cfgPath := filepath.Join(configDir, fmt.Sprintf("%s.yaml", configName))
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config file already exists: %s", cfgPath)
	}

	return os.WriteFile(cfgPath, GenerateConfig(configDir), 0o600)
}
