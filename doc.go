/*
Package sunset hooks native 32-bit x86 code at run time.

Two kinds of hook are provided.

Inline hook (InlineHook)
  - the first whole instructions covering five bytes of the TARGET are
    copied to a TRAMPOLINE and replaced by a JMP to it
  - the TRAMPOLINE saves every register, calls the CALLBACK with a *Context
    pointing at them, restores them (with the callback's edits) and runs
    the copied instructions before jumping back into the TARGET

Replacement hook (ReplaceHook)
  - the TARGET jumps straight to the DETOUR
  - the slot that named the TARGET is rewritten to point at a copy of its
    first instructions followed by a jump back, so the DETOUR can still
    call the original

Copied instructions are relocated: relative branches and calls are
re-encoded for their new address and short branches are widened. Anything
whose meaning depends on where it runs and cannot be re-encoded makes the
hook fail before the TARGET is written.

Trampolines are never freed and hooks cannot be removed.

A Hooker patches the running process by default. Tests and offline tools
give it another Space with WithSpace.
*/
package sunset
