/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package util

import (
	"io/ioutil"
	"os"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Console configuration, normally read from console.yml next to the flash
// image.  All fields are optional; zero values select the defaults.
type Config struct {
	// Path of the flash image file backing the storage stack.
	FlashPath string

	// Emit a per-instruction trace of the VM at debug level.
	TraceSVM bool

	// Number of attached cubes.
	NumCubes int

	// Radio MTU override.  0 selects the hardware packet size.
	RadioMTU int

	LogLevel string
	LogFile  string
}

// Raw YAML shape; values are loosely typed on purpose so that hand-written
// config files can say things like "cubes: 3" or "trace: yes".
type rawConfig map[string]interface{}

func DefaultConfig() Config {
	return Config{
		FlashPath: "flash.bin",
		NumCubes:  1,
		LogLevel:  "warn",
	}
}

// Reads the console configuration from the specified YAML file.  A missing
// file is not an error; the defaults are returned.
func ReadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, ChildCoreError(err)
	}

	raw := rawConfig{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, FmtChildCoreError(err,
			"failure while parsing config file \"%s\": %s", path, err.Error())
	}

	for k, v := range raw {
		switch k {
		case "flash":
			cfg.FlashPath = cast.ToString(v)
		case "trace":
			switch strings.ToLower(cast.ToString(v)) {
			case "yes", "on":
				cfg.TraceSVM = true
			case "no", "off":
				cfg.TraceSVM = false
			default:
				cfg.TraceSVM = cast.ToBool(v)
			}
		case "cubes":
			cfg.NumCubes = cast.ToInt(v)
		case "radio_mtu":
			cfg.RadioMTU = cast.ToInt(v)
		case "log_level":
			cfg.LogLevel = cast.ToString(v)
		case "log_file":
			cfg.LogFile = cast.ToString(v)
		default:
			OneTimeWarning("ignoring unknown config key \"%s\"", k)
		}
	}

	return cfg, nil
}
