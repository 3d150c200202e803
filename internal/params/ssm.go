// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
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

package params

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the slice of the SSM client the source uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads parameters from AWS Systems Manager Parameter Store under a
// path prefix ("/remgate/" + name by default).
type SSM struct {
	client SSMAPI
	prefix string
}

// NewSSM builds the source. An empty prefix defaults to "/remgate/".
func NewSSM(client SSMAPI, prefix string) *SSM {
	if prefix == "" {
		prefix = "/remgate/"
	}
	return &SSM{client: client, prefix: prefix}
}

var _ Source = (*SSM)(nil)

func (s *SSM) Fetch(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.prefix + name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("params: ssm get %s%s: %w", s.prefix, name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", ErrNotFound
	}
	return *out.Parameter.Value, nil
}
