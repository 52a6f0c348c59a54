// internal/browser/dom.go
package browser

import "fmt"

// simplifyDOMScript renders the page as a compact list of interactive
// elements: links, buttons, inputs, and visible headings. The output is meant
// for a model prompt, so it favors selectors and labels over markup fidelity.
const simplifyDOMScript = `(() => {
	const lines = [];
	const seen = new Set();

	const describe = (el, kind) => {
		let selector = el.tagName.toLowerCase();
		if (el.id) {
			selector = '#' + el.id;
		} else if (el.name) {
			selector += '[name="' + el.name + '"]';
		} else if (el.className && typeof el.className === 'string') {
			const cls = el.className.trim().split(/\s+/).slice(0, 2).join('.');
			if (cls) selector += '.' + cls;
		}
		if (seen.has(kind + selector)) return;
		seen.add(kind + selector);

		const label = (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || '')
			.trim().replace(/\s+/g, ' ').slice(0, 80);
		lines.push('[' + kind + '] ' + selector + (label ? ' "' + label + '"' : ''));
	};

	document.querySelectorAll('h1, h2, h3').forEach(el => {
		const text = el.innerText.trim().replace(/\s+/g, ' ').slice(0, 120);
		if (text) lines.push('[heading] ' + text);
	});
	document.querySelectorAll('a[href]').forEach(el => describe(el, 'link'));
	document.querySelectorAll('button, [role="button"], input[type="submit"]').forEach(el => describe(el, 'button'));
	document.querySelectorAll('input:not([type="hidden"]), textarea, select').forEach(el => describe(el, 'input'));

	return 'url: ' + location.href + '\ntitle: ' + document.title + '\n' + lines.join('\n');
})()`

// clearFieldScript selects and empties an input's current content so typed
// text replaces rather than appends.
func clearFieldScript(selector string) string {
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return;
		el.focus();
		if (el.select) el.select();
		el.value = '';
		el.dispatchEvent(new Event('input', {bubbles: true}));
	})()`, selector)
}
