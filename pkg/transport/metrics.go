/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

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

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role label values.
const (
	roleServer = "server"
	roleClient = "client"
)

// Transport Metrics
var (
	// JoinsTotal tracks the topic joins issued.
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "joins_total",
		Help:      "Total topic joins issued.",
	}, []string{"role"})

	// LeavesTotal tracks the topic leaves issued.
	LeavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "leaves_total",
		Help:      "Total topic leaves issued.",
	}, []string{"role"})

	// JoinFailuresTotal tracks failed topic joins.
	JoinFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "join_failures_total",
		Help:      "Total topic joins that failed.",
	}, []string{"role"})

	// ConnectionsTotal tracks the connections delivered to the application.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "connections_total",
		Help:      "Total connections delivered to the application.",
	}, []string{"role"})

	// DuplicateConnectionsTotal tracks raw connections dropped because
	// every request on their channel was already connected.
	DuplicateConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "duplicate_connections_total",
		Help:      "Total duplicate client connections dropped.",
	})

	// ConnectionsLostTotal tracks established client connections that
	// closed.
	ConnectionsLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "connections_lost_total",
		Help:      "Total established client connections lost.",
	})

	// ActiveChannels tracks the channels currently joined.
	ActiveChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dhtchan",
		Name:      "active_channels",
		Help:      "The current number of joined channels.",
	}, []string{"role"})

	// HandleTransitionsTotal tracks discovery handle lifecycle transitions.
	HandleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dhtchan",
		Name:      "handle_transitions_total",
		Help:      "Total discovery handle lifecycle transitions.",
	}, []string{"role", "state"})
)
