// Package ensemble provides a declarative multi-agent workflow runtime.
//
// Ensemble turns a YAML or JSON configuration naming LLM-backed agents,
// tools, and a composition pattern into a running, concurrent,
// event-producing workflow. Six composition strategies are built in:
// sequential, parallel, group_chat, handoff, router, and magentic.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/ensembleworks/ensemble/cmd/ensemble@latest
//
// Describe a workflow:
//
//	version: "1"
//	name: support-triage
//	resources:
//	  models:
//	    gpt:
//	      provider_kind: vendor-native
//	      deployment: gpt-4o-mini
//	agents:
//	  - id: classifier
//	    model_ref: gpt
//	    instructions: "Classify the request as tech, sales or support."
//	  - id: tech
//	    model_ref: gpt
//	  - id: sales
//	    model_ref: gpt
//	  - id: support
//	    model_ref: gpt
//	workflow:
//	  kind: router
//	  start_id: classifier
//	  steps:
//	    - {id: classifier, agent_id: classifier}
//	    - {id: tech, agent_id: tech}
//	    - {id: sales, agent_id: sales}
//	    - {id: support, agent_id: support}
//
// Run it:
//
//	ensemble run --config triage.yaml "my laptop will not boot"
//
// # Using as a Go Library
//
// Build a Runtime from a loaded configuration and drive workflows
// directly:
//
//	import (
//	    "github.com/ensembleworks/ensemble/pkg/config"
//	    "github.com/ensembleworks/ensemble/pkg/runtime"
//	    "github.com/ensembleworks/ensemble/pkg/workflow"
//	)
//
// Every run streams typed events (executor invoked, partial updates,
// executor completed, workflow output) over a channel, and mirrors
// lifecycle events onto an in-process event bus that any number of
// handlers may subscribe to.
//
// # Key Features
//
//   - Declarative YAML/JSON workflows over named agents and tools
//   - Tool transports: local callables, HTTP endpoints, MCP servers,
//     vendor-hosted tools, and out-of-process plugins
//   - Chat and embedding providers for vendor-native, vendor-hosted,
//     and local endpoints
//   - RAG context injection backed by chromem, Qdrant, or Pinecone
//   - Streaming aggregation with configurable verbosity
//   - Config sources: file, Consul, etcd, ZooKeeper, with live reload
package ensemble
