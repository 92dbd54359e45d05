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

package options

import (
	"fmt"
	"net/url"

	"go.uber.org/multierr"
)

func (o ServerOptions) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	if o.RedisAddr == "" {
		err = multierr.Append(err, fmt.Errorf("REDIS_ADDR is required"))
	}
	if o.WorkerHost != "" {
		err = multierr.Append(err, validateWorkerHost(o.WorkerHost))
		if o.WorkerPassword == "" {
			err = multierr.Append(err, fmt.Errorf("WORKER_PASSWORD is required when WORKER_HOST is set"))
		}
	}
	return err
}

func (o WorkerOptions) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	if o.RedisAddr == "" {
		err = multierr.Append(err, fmt.Errorf("REDIS_ADDR is required"))
	}
	if o.WorkerPassword == "" {
		err = multierr.Append(err, fmt.Errorf("WORKER_PASSWORD is required"))
	}
	if o.CreatorConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("eval-creator-concurrency must be at least 1"))
	}
	if o.ExecutorConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("eval-executor-concurrency must be at least 1"))
	}
	if o.QueueVisibilityTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("queue-visibility-timeout must be positive"))
	}
	return err
}

func validateWorkerHost(host string) error {
	endpoint, err := url.Parse(host)
	// url.Parse() accepts a lot of input without error; make sure it's a
	// real URL
	if err != nil || !endpoint.IsAbs() || endpoint.Hostname() == "" {
		return fmt.Errorf("%q is not a valid WORKER_HOST URL", host)
	}
	return nil
}
