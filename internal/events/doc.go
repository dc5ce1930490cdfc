// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events is the notification bus between coordinators and views.
//
// Coordinators publish typed events (SessionUpdated, GenerationCompleted,
// ModelPullProgress, ...) and views subscribe with a single handler that
// switches on the concrete type:
//
//	unsubscribe := bus.Subscribe(func(e events.Event) {
//	    switch ev := e.(type) {
//	    case events.SessionUpdated:
//	        render(ev.Messages)
//	    case events.GenerationFailed:
//	        showError(ev.Failure)
//	    }
//	})
//	defer unsubscribe()
//
// Failed operations carry a Failure built by Classify.
package events
