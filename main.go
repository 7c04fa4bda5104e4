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

// cubefw-core hosts the console's storage and VM core on a development
// machine: it executes game binaries in the sandboxed VM against a
// flash image file, and provides inspection tools for the filesystem
// and codec layers.

package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cubefw.org/core/cli"
	"cubefw.org/core/util"
)

var coreVersion = "0.9.0"

var coreLogLevel string
var coreVerbosity int
var coreConfigPath string
var coreFlashPath string
var coreTrace bool

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := util.ReadConfig(coreConfigPath)
	if err != nil {
		return err
	}

	if coreFlashPath != "" {
		cfg.FlashPath = coreFlashPath
	}
	if coreTrace {
		cfg.TraceSVM = true
	}
	if coreLogLevel != "" {
		cfg.LogLevel = coreLogLevel
	}
	cli.Config = cfg

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return util.FmtCoreError("invalid log level: \"%s\"", cfg.LogLevel)
	}

	return util.Init(level, cfg.LogFile, coreVerbosity)
}

func main() {
	root := &cobra.Command{
		Use:     "cubefw-core",
		Short:   "cubefw-core runs and inspects cube console firmware state",
		Version: coreVersion,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd, args)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&coreLogLevel, "loglevel", "l",
		"", "Log level (panic, fatal, error, warn, info, debug)")
	root.PersistentFlags().IntVarP(&coreVerbosity, "verbosity", "v",
		util.VERBOSITY_DEFAULT, "Verbosity of console output")
	root.PersistentFlags().StringVarP(&coreConfigPath, "config", "c",
		"console.yml", "Path of the console configuration file")
	root.PersistentFlags().StringVarP(&coreFlashPath, "flash", "f",
		"", "Path of the flash image (overrides config)")
	root.PersistentFlags().BoolVarP(&coreTrace, "trace", "t",
		false, "Trace every VM instruction at debug level")

	cli.AddCommands(root)

	if err := root.Execute(); err != nil {
		if ce, ok := err.(*util.CoreError); ok {
			log.Debugf("%s", ce.StackTrace)
			fmt.Fprintln(os.Stderr, "Error:", ce.Text)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err.Error())
		}
		os.Exit(1)
	}
}
