// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package operator runs the Megaphone cluster controller. It generates
// broker pods and routing services from Megaphone resources and drives
// pipe-and-drain rollouts when the spec changes.
package operator

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	megaphonev1 "github.com/d71-dev/megaphone/pkg/operator/apis/megaphone/v1"
)

// Options for the Operator.
type Options struct {
	// Namespace the operator watches. Empty watches all namespaces.
	Namespace string
	// MetricsAddr is the address the metrics endpoint binds to.
	MetricsAddr string
}

// Operator manages Megaphone broker clusters.
type Operator struct {
	logger  logr.Logger
	manager manager.Manager
}

// New instantiates a new Operator.
func New(logger logr.Logger, clientConfig *rest.Config, opts Options) (*Operator, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("add core scheme: %w", err)
	}
	if err := megaphonev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("add megaphone scheme: %w", err)
	}

	mgrOpts := manager.Options{
		Logger:  logger,
		Scheme:  scheme,
		Metrics: metricsserver.Options{BindAddress: opts.MetricsAddr},
	}
	if opts.Namespace != "" {
		mgrOpts.Cache.DefaultNamespaces = map[string]cache.Config{opts.Namespace: {}}
	}
	mgr, err := ctrl.NewManager(clientConfig, mgrOpts)
	if err != nil {
		return nil, fmt.Errorf("create controller manager: %w", err)
	}

	megactl, err := NewMegactl(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create megactl handle: %w", err)
	}
	if err := setupClusterController(mgr, megactl); err != nil {
		return nil, err
	}

	return &Operator{logger: logger, manager: mgr}, nil
}

// Run starts the controller manager and blocks until ctx is done.
func (o *Operator) Run(ctx context.Context) error {
	o.logger.Info("starting megaphone operator")
	return o.manager.Start(ctx)
}
