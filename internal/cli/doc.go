// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli is the line-mode front end: the cobra command tree, the
// interactive chat REPL with its slash commands, and the View that turns
// application events into terminal output.
package cli
