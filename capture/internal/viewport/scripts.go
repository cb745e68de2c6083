package viewport

// resolveJS finds the scroll container. Args: forced selector (JS string),
// marker attribute name, scrollable delta threshold.
//
// An element qualifies as a nested scroll container only when its overflow-y
// is not "visible" AND it has real excess content; overflow styling alone is
// a false positive. The tallest qualifying element wins, since sites like
// ticket trackers scroll a main column rather than the document.
const resolveJS = `() => {
	const forced = %s;
	const marker = %q;
	const delta = %d;

	for (const old of document.querySelectorAll('[' + marker + ']')) {
		old.removeAttribute(marker);
	}

	const qualifies = (el) => {
		const cs = getComputedStyle(el);
		if (cs.overflowY === 'visible') return false;
		return el.scrollHeight - el.clientHeight > delta;
	};

	if (forced) {
		const el = document.querySelector(forced);
		if (el && qualifies(el)) {
			el.setAttribute(marker, '');
			return JSON.stringify({nested: true, offset: Math.round(el.scrollTop)});
		}
	}

	const doc = document.scrollingElement || document.documentElement;
	if (doc.scrollHeight - doc.clientHeight > delta) {
		return JSON.stringify({nested: false, offset: Math.round(doc.scrollTop)});
	}

	let best = null;
	for (const el of document.querySelectorAll('body *')) {
		if (!qualifies(el)) continue;
		if (el.clientHeight < 100) continue;
		if (!best || el.scrollHeight > best.scrollHeight) best = el;
	}
	if (best) {
		best.setAttribute(marker, '');
		return JSON.stringify({nested: true, offset: Math.round(best.scrollTop)});
	}

	return JSON.stringify({nested: false, offset: Math.round(doc.scrollTop)});
}`

// geometryJS reports scroll geometry. Arg: container expression.
const geometryJS = `() => {
	const el = %s;
	return JSON.stringify({
		scroll_height: el.scrollHeight,
		client_height: el.clientHeight,
		offset: Math.round(el.scrollTop),
	});
}`

// scrollToJS performs an instant scroll and reports the settled offset.
// Args: container expression, target offset.
const scrollToJS = `() => {
	const el = %s;
	el.scrollTop = %d;
	return JSON.stringify({offset: Math.round(el.scrollTop)});
}`

// unmarkJS removes the container marker attribute. Arg: marker attribute.
const unmarkJS = `() => {
	for (const el of document.querySelectorAll('[%s]')) {
		el.removeAttribute(%[1]q);
	}
	return JSON.stringify({ok: true});
}`
