package browser

// HandleAttr is the attribute the page script stamps on every element it hands
// out. Its value is the locator.Handle.
const HandleAttr = "data-curator-handle"

// pageScript runs one locator operation inside the page and returns a plain
// object, serialized by value. %s receives the JSON encoded request.
//
// Handles carry a token drawn once per document. A navigation starts a new
// counter under a new token, so a handle from the old page never resolves
// against the new one.
const pageScript = `(() => {
  const ATTR = "data-curator-handle";
  const req = %s;
  const w = window;
  if (typeof w.__curatorSeq !== "number") {
    w.__curatorSeq = 0;
    w.__curatorDoc = Math.floor(performance.timeOrigin).toString(36) + Math.random().toString(36).slice(2, 6);
  }

  const tag = (el) => {
    let h = el.getAttribute(ATTR);
    if (!h) {
      h = "c" + w.__curatorDoc + "_" + (++w.__curatorSeq);
      el.setAttribute(ATTR, h);
    }
    return h;
  };
  const resolve = (h) => {
    const el = document.querySelector("[" + ATTR + "=\"" + h + "\"]");
    return el && el.isConnected ? el : null;
  };
  const text = (el) => (el.textContent || "").trim();
  const scope = () => (req.within ? resolve(req.within) : document);
  const stale = { stale: true };

  switch (req.op) {
    case "ready":
      return { ok: document.readyState === "complete" };

    case "find": {
      const root = scope();
      if (!root) return stale;
      return { handles: Array.from(root.querySelectorAll(req.selector)).map(tag) };
    }

    case "find_text": {
      const root = scope();
      if (!root) return stale;
      let found = null;
      for (const el of root.querySelectorAll(req.selector)) {
        const t = text(el);
        if (req.mode === "contains") {
          if (t.includes(req.text)) found = el;
        } else if (t === req.text) {
          found = el;
          break;
        }
      }
      return found ? { ok: true, handles: [tag(found)] } : { ok: false };
    }

    case "related": {
      let el = resolve(req.handle);
      if (!el) return stale;
      for (let i = 0; i < (req.ancestors || 0); i++) {
        el = el.parentElement;
        if (!el) return { ok: false };
      }
      if (req.previous_sibling) {
        el = el.previousElementSibling;
        if (!el) return { ok: false };
      }
      if (req.descendant) {
        el = el.querySelector(req.descendant);
        if (!el) return { ok: false };
      }
      return { ok: true, handles: [tag(el)] };
    }
  }

  const el = resolve(req.handle);
  if (!el) return stale;
  switch (req.op) {
    case "text":
      return { value: text(el) };
    case "attr":
      return el.hasAttribute(req.name) ? { ok: true, value: el.getAttribute(req.name) } : { ok: false };
    case "visible": {
      const style = getComputedStyle(el);
      const shown = style.display !== "none" && style.visibility !== "hidden" && el.getClientRects().length > 0;
      return { ok: shown };
    }
    case "enabled":
      return { ok: !el.disabled && el.getAttribute("aria-disabled") !== "true" };
    case "click":
      el.click();
      return { ok: true };
  }
  return { error: "unknown operation " + req.op };
})()`
