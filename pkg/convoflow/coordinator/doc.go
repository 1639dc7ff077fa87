/*
Package coordinator is the entry point for conversation requests.

For each request it resolves the thread id (chat header, then body
field, then a fresh UUID), reads the thread's persisted state through the
workflow's Manager while holding the thread lock, and picks a mode:

  - no state: start with a fresh conversation.State
  - the same transcript as persisted: restart from scratch on the same thread
  - anything else: resume, merging the unseen messages and handing the
    latest unseen user message to the suspended node

The tracker is only written to, never read, when deciding.
*/
package coordinator
