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

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/suite"
)

func TestConfig(t *testing.T) { suite.Run(t, new(ConfigTest)) }

type ConfigTest struct {
	suite.Suite
}

func (t *ConfigTest) TestDecodeAppliesDefaultsWhenUnset() {
	v := viper.New()
	flagSet := pflag.NewFlagSet("lcfsd", pflag.ContinueOnError)
	t.Require().NoError(BindFlags(flagSet))
	t.Require().NoError(v.BindPFlags(flagSet))
	t.Require().NoError(flagSet.Set("device", "/tmp/lcfs.img"))

	config, err := Decode(v)

	t.Require().NoError(err)
	t.Equal(DefaultBucketCount, config.Layer.BucketCount)
	t.Equal(DefaultClusterSize, config.Layer.ClusterSize)
	t.Equal(InfoLogSeverity, config.Logging.Severity)
	t.EqualValues("/tmp/lcfs.img", config.Device.Path)
}

func (t *ConfigTest) TestDecodeRejectsMissingDevicePath() {
	v := viper.New()
	flagSet := pflag.NewFlagSet("lcfsd", pflag.ContinueOnError)
	t.Require().NoError(BindFlags(flagSet))
	t.Require().NoError(v.BindPFlags(flagSet))

	_, err := Decode(v)

	t.Error(err)
}

func (t *ConfigTest) TestDecodeRejectsInvalidSeverity() {
	v := viper.New()
	flagSet := pflag.NewFlagSet("lcfsd", pflag.ContinueOnError)
	t.Require().NoError(BindFlags(flagSet))
	t.Require().NoError(v.BindPFlags(flagSet))
	t.Require().NoError(flagSet.Set("device", "/tmp/lcfs.img"))
	t.Require().NoError(flagSet.Set("log-severity", "VERY_LOUD"))

	_, err := Decode(v)

	t.Error(err)
}

func (t *ConfigTest) TestLogSeverityRank() {
	t.Equal(0, TraceLogSeverity.Rank())
	t.Equal(5, OffLogSeverity.Rank())
	t.Less(DebugLogSeverity.Rank(), InfoLogSeverity.Rank())
	t.Equal(-1, LogSeverity("bogus").Rank())
}

func (t *ConfigTest) TestValidateConfigRejectsBadLogRotateConfig() {
	config := GetDefaultConfig()
	config.Device.Path = "/tmp/lcfs.img"
	config.Logging.LogRotate.MaxFileSizeMb = 0

	err := ValidateConfig(&config)

	t.Require().Error(err)
	t.Contains(err.Error(), "max-file-size-mb")
}
